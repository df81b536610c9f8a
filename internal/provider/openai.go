package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"voice-platform/internal/pricing"
	"voice-platform/internal/usage"
)

const (
	VendorOpenAI = "openai"

	openAIBaseURL      = "https://api.openai.com"
	openAITTSModel     = "tts-1"
	openAISTTModel     = "whisper-1"
	openAIDefaultVoice = "alloy"
	openAIMaxChars     = 4096

	// Speech at rate 1.0 runs at roughly 15 characters per second.
	openAICharsPerSecond = 15.0
)

// openAIVoices is fixed by the API; there is no voice listing endpoint.
var openAIVoices = []Voice{
	{ID: "alloy", Vendor: VendorOpenAI, Name: "Alloy", Gender: "neutral"},
	{ID: "echo", Vendor: VendorOpenAI, Name: "Echo", Gender: "male"},
	{ID: "fable", Vendor: VendorOpenAI, Name: "Fable", Gender: "neutral"},
	{ID: "onyx", Vendor: VendorOpenAI, Name: "Onyx", Gender: "male"},
	{ID: "nova", Vendor: VendorOpenAI, Name: "Nova", Gender: "female"},
	{ID: "shimmer", Vendor: VendorOpenAI, Name: "Shimmer", Gender: "female"},
}

func openAIAuth(creds Credentials) http.Header {
	return http.Header{"Authorization": {"Bearer " + creds.APIKey}}
}

// OpenAISpeech speaks text through /v1/audio/speech.
type OpenAISpeech struct {
	client  *http.Client
	creds   Credentials
	rates   *pricing.Table
	baseURL string
	model   string
	voice   string
}

// NewOpenAISpeech builds the adapter. Recognised options: model, voice_id.
func NewOpenAISpeech(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) *OpenAISpeech {
	o := &OpenAISpeech{
		client:  client,
		creds:   creds,
		rates:   rates,
		baseURL: baseURL(creds, openAIBaseURL),
		model:   openAITTSModel,
		voice:   openAIDefaultVoice,
	}
	if v := opts["model"]; v != "" {
		o.model = v
	}
	if v := opts["voice_id"]; v != "" {
		o.voice = v
	}
	return o
}

func (o *OpenAISpeech) Vendor() string     { return VendorOpenAI }
func (o *OpenAISpeech) MaxTextLength() int { return openAIMaxChars }

type openAISpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

func (o *OpenAISpeech) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	if err := checkText(VendorOpenAI, req.Text, openAIMaxChars); err != nil {
		return SynthesisResult{}, err
	}
	voice := req.VoiceID
	if voice == "" {
		voice = o.voice
	}
	rate := clampRate(req.SpeakingRate, 0.25, 4.0)

	audio, err := sendJSON(ctx, o.client, call{
		vendor:     VendorOpenAI,
		capability: usage.CapabilityTTS,
		method:     http.MethodPost,
		url:        o.baseURL + "/v1/audio/speech",
		header:     openAIAuth(o.creds),
	}, openAISpeechRequest{
		Model:          o.model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: "mp3",
		Speed:          rate,
	}, nil)
	if err != nil {
		return SynthesisResult{}, err
	}
	if len(audio) == 0 {
		return SynthesisResult{}, &ProviderError{Vendor: VendorOpenAI, Capability: usage.CapabilityTTS, Kind: KindMalformed, Message: "empty audio"}
	}

	chars := int64(len([]rune(req.Text)))
	secs := float64(chars) / openAICharsPerSecond / rate
	return SynthesisResult{
		Audio:       audio,
		ContentType: "audio/mpeg",
		Duration:    time.Duration(secs * float64(time.Second)),
		Characters:  chars,
	}, nil
}

func (o *OpenAISpeech) ListVoices(context.Context) ([]Voice, error) {
	out := make([]Voice, len(openAIVoices))
	copy(out, openAIVoices)
	return out, nil
}

func (o *OpenAISpeech) EstimateCost(characters int64) (pricing.Estimate, error) {
	return o.rates.Estimate(VendorOpenAI, usage.CapabilityTTS, characters)
}

// OpenAIWhisper transcribes audio through /v1/audio/transcriptions.
type OpenAIWhisper struct {
	client  *http.Client
	creds   Credentials
	rates   *pricing.Table
	baseURL string
	model   string
}

// NewOpenAIWhisper builds the adapter. Recognised options: model.
func NewOpenAIWhisper(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) *OpenAIWhisper {
	w := &OpenAIWhisper{
		client:  client,
		creds:   creds,
		rates:   rates,
		baseURL: baseURL(creds, openAIBaseURL),
		model:   openAISTTModel,
	}
	if v := opts["model"]; v != "" {
		w.model = v
	}
	return w
}

func (w *OpenAIWhisper) Vendor() string { return VendorOpenAI }

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (w *OpenAIWhisper) Transcribe(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error) {
	if len(req.Audio) == 0 {
		return TranscriptionResult{}, fmt.Errorf("%s: %w: audio is required", VendorOpenAI, ErrInvalidRequest)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="audio`+extensionFor(req.ContentType)+`"`)
	if req.ContentType != "" {
		h.Set("Content-Type", req.ContentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("%s: build form: %w", VendorOpenAI, err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return TranscriptionResult{}, fmt.Errorf("%s: build form: %w", VendorOpenAI, err)
	}
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "verbose_json")
	if req.LanguageHint != "" {
		_ = mw.WriteField("language", req.LanguageHint)
	}
	if err := mw.Close(); err != nil {
		return TranscriptionResult{}, fmt.Errorf("%s: build form: %w", VendorOpenAI, err)
	}

	raw, err := send(ctx, w.client, call{
		vendor:      VendorOpenAI,
		capability:  usage.CapabilitySTT,
		method:      http.MethodPost,
		url:         w.baseURL + "/v1/audio/transcriptions",
		body:        &buf,
		contentType: mw.FormDataContentType(),
		header:      openAIAuth(w.creds),
	})
	if err != nil {
		return TranscriptionResult{}, err
	}

	var out whisperResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return TranscriptionResult{}, &ProviderError{Vendor: VendorOpenAI, Capability: usage.CapabilitySTT, Kind: KindMalformed, Err: err}
	}

	res := TranscriptionResult{
		Text:          strings.TrimSpace(out.Text),
		Language:      out.Language,
		AudioDuration: seconds(out.Duration),
	}
	// Whisper does not diarize; segments carry no speaker.
	for _, s := range out.Segments {
		res.Segments = append(res.Segments, Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return res, nil
}

func (w *OpenAIWhisper) EstimateCost(audioSeconds int64) (pricing.Estimate, error) {
	return w.rates.Estimate(VendorOpenAI, usage.CapabilitySTT, audioSeconds)
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/flac":
		return ".flac"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".mp3"
	}
}
