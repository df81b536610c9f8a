package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"voice-platform/internal/pricing"
	"voice-platform/internal/usage"
)

const (
	VendorElevenLabs = "elevenlabs"

	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsModel        = "eleven_multilingual_v2"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
	elevenLabsFormat       = "mp3_44100_128"
	elevenLabsMaxChars     = 5000

	// mp3_44100_128 is a constant 128 kbps stream.
	elevenLabsBytesPerSecond = 128_000 / 8
)

// ElevenLabs speaks text through the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	client *http.Client
	creds  Credentials
	rates  *pricing.Table

	baseURL string
	model   string
	voiceID string
}

// NewElevenLabs builds the adapter. Recognised options: model, voice_id.
func NewElevenLabs(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) *ElevenLabs {
	e := &ElevenLabs{
		client:  client,
		creds:   creds,
		rates:   rates,
		baseURL: baseURL(creds, elevenLabsBaseURL),
		model:   elevenLabsModel,
		voiceID: elevenLabsDefaultVoice,
	}
	if v := opts["model"]; v != "" {
		e.model = v
	}
	if v := opts["voice_id"]; v != "" {
		e.voiceID = v
	}
	return e
}

func (e *ElevenLabs) Vendor() string     { return VendorElevenLabs }
func (e *ElevenLabs) MaxTextLength() int { return elevenLabsMaxChars }

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type elevenLabsSpeechRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	LanguageCode  string                  `json:"language_code,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	if err := checkText(VendorElevenLabs, req.Text, elevenLabsMaxChars); err != nil {
		return SynthesisResult{}, err
	}
	voice := req.VoiceID
	if voice == "" {
		voice = e.voiceID
	}

	body := elevenLabsSpeechRequest{
		Text:         req.Text,
		ModelID:      e.model,
		LanguageCode: req.Language,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           clampRate(req.SpeakingRate, 0.7, 1.2),
		},
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", e.baseURL, url.PathEscape(voice), elevenLabsFormat)

	audio, err := sendJSON(ctx, e.client, call{
		vendor:     VendorElevenLabs,
		capability: usage.CapabilityTTS,
		method:     http.MethodPost,
		url:        endpoint,
		header:     http.Header{"Xi-Api-Key": {e.creds.APIKey}, "Accept": {"audio/mpeg"}},
	}, body, nil)
	if err != nil {
		return SynthesisResult{}, err
	}
	if len(audio) == 0 {
		return SynthesisResult{}, &ProviderError{Vendor: VendorElevenLabs, Capability: usage.CapabilityTTS, Kind: KindMalformed, Message: "empty audio"}
	}

	return SynthesisResult{
		Audio:       audio,
		ContentType: "audio/mpeg",
		Duration:    time.Duration(len(audio)) * time.Second / elevenLabsBytesPerSecond,
		Characters:  int64(len([]rune(req.Text))),
	}, nil
}

type elevenLabsVoicesResponse struct {
	Voices []struct {
		VoiceID  string `json:"voice_id"`
		Name     string `json:"name"`
		Category string `json:"category"`
		Labels   struct {
			Gender      string `json:"gender"`
			Accent      string `json:"accent"`
			Description string `json:"description"`
			Language    string `json:"language"`
		} `json:"labels"`
	} `json:"voices"`
}

func (e *ElevenLabs) ListVoices(ctx context.Context) ([]Voice, error) {
	var out elevenLabsVoicesResponse
	_, err := sendJSON(ctx, e.client, call{
		vendor:     VendorElevenLabs,
		capability: usage.CapabilityTTS,
		method:     http.MethodGet,
		url:        e.baseURL + "/v1/voices",
		header:     http.Header{"Xi-Api-Key": {e.creds.APIKey}},
	}, nil, &out)
	if err != nil {
		return nil, err
	}

	voices := make([]Voice, 0, len(out.Voices))
	for _, v := range out.Voices {
		desc := v.Labels.Description
		if desc == "" {
			desc = v.Labels.Accent
		}
		voices = append(voices, Voice{
			ID:          v.VoiceID,
			Vendor:      VendorElevenLabs,
			Name:        v.Name,
			Language:    v.Labels.Language,
			Gender:      v.Labels.Gender,
			Description: desc,
		})
	}
	return voices, nil
}

func (e *ElevenLabs) EstimateCost(characters int64) (pricing.Estimate, error) {
	return e.rates.Estimate(VendorElevenLabs, usage.CapabilityTTS, characters)
}

// clampRate maps an unset rate to 1.0 and bounds the rest.
func clampRate(rate, lo, hi float64) float64 {
	switch {
	case rate <= 0:
		return 1.0
	case rate < lo:
		return lo
	case rate > hi:
		return hi
	default:
		return rate
	}
}
