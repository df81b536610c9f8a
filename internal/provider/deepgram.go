package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"voice-platform/internal/pricing"
	"voice-platform/internal/usage"
)

const (
	VendorDeepgram = "deepgram"

	deepgramBaseURL = "https://api.deepgram.com"
	deepgramModel   = "nova-2"
)

// Deepgram transcribes prerecorded audio through /v1/listen.
type Deepgram struct {
	client  *http.Client
	creds   Credentials
	rates   *pricing.Table
	baseURL string
	model   string
}

// NewDeepgram builds the adapter. Recognised options: model.
func NewDeepgram(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) *Deepgram {
	d := &Deepgram{
		client:  client,
		creds:   creds,
		rates:   rates,
		baseURL: baseURL(creds, deepgramBaseURL),
		model:   deepgramModel,
	}
	if v := opts["model"]; v != "" {
		d.model = v
	}
	return d
}

func (d *Deepgram) Vendor() string { return VendorDeepgram }

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
			Speaker    int     `json:"speaker"`
		} `json:"utterances"`
	} `json:"results"`
}

func (d *Deepgram) Transcribe(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return TranscriptionResult{}, fmt.Errorf("%s: %w: audio is required", VendorDeepgram, ErrInvalidRequest)
	}

	params := url.Values{}
	params.Set("model", d.model)
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if req.Diarize {
		params.Set("diarize", "true")
		params.Set("utterances", "true")
	}
	if req.LanguageHint != "" {
		params.Set("language", req.LanguageHint)
	} else {
		params.Set("detect_language", "true")
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	var out deepgramResponse
	raw, err := send(ctx, d.client, call{
		vendor:      VendorDeepgram,
		capability:  usage.CapabilitySTT,
		method:      http.MethodPost,
		url:         d.baseURL + "/v1/listen?" + params.Encode(),
		body:        bytes.NewReader(req.Audio),
		contentType: contentType,
		header:      http.Header{"Authorization": {"Token " + d.creds.APIKey}},
	})
	if err != nil {
		return TranscriptionResult{}, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return TranscriptionResult{}, &ProviderError{Vendor: VendorDeepgram, Capability: usage.CapabilitySTT, Kind: KindMalformed, Err: err}
	}

	res := TranscriptionResult{
		AudioDuration: seconds(out.Metadata.Duration),
		Language:      req.LanguageHint,
	}
	if len(out.Results.Channels) > 0 {
		ch := out.Results.Channels[0]
		if res.Language == "" {
			res.Language = ch.DetectedLanguage
		}
		if len(ch.Alternatives) > 0 {
			res.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
		}
	}
	for _, u := range out.Results.Utterances {
		res.Segments = append(res.Segments, Segment{
			Start:   seconds(u.Start),
			End:     seconds(u.End),
			Text:    u.Transcript,
			Speaker: fmt.Sprintf("speaker_%d", u.Speaker),
		})
	}
	return res, nil
}

func (d *Deepgram) EstimateCost(audioSeconds int64) (pricing.Estimate, error) {
	return d.rates.Estimate(VendorDeepgram, usage.CapabilitySTT, audioSeconds)
}
