// Package provider adapts concrete TTS and STT vendor APIs to one capability
// interface per direction.
//
// Rules:
//   - Vendor quirks (voice id formats, audio encodings, auth headers) stay inside
//     the vendor's adapter file.
//   - Input limits are checked before any network call.
//   - Every vendor-side failure surfaces as *ProviderError.
//   - Adapters never persist anything.
package provider

import (
	"context"
	"time"

	"voice-platform/internal/pricing"
)

// Synthesizer is a text-to-speech adapter.
type Synthesizer interface {
	Vendor() string
	MaxTextLength() int
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
	ListVoices(ctx context.Context) ([]Voice, error)
	EstimateCost(characters int64) (pricing.Estimate, error)
}

// Transcriber is a speech-to-text adapter.
type Transcriber interface {
	Vendor() string
	Transcribe(ctx context.Context, req TranscriptionRequest) (TranscriptionResult, error)
	EstimateCost(audioSeconds int64) (pricing.Estimate, error)
}

type SynthesisRequest struct {
	Text string `json:"text"`

	// VoiceID is the vendor's voice identifier. Empty selects the adapter default.
	VoiceID string `json:"voice_id,omitempty"`

	// SpeakingRate is a multiplier around 1.0. Adapters clamp to the vendor's range.
	SpeakingRate float64 `json:"speaking_rate,omitempty"`

	Language string `json:"language,omitempty"`
}

type SynthesisResult struct {
	Audio       []byte `json:"-"`
	ContentType string `json:"content_type"`

	// Duration is an estimate; vendors do not report it for batch synthesis.
	Duration   time.Duration `json:"duration"`
	Characters int64         `json:"characters"`
}

type TranscriptionRequest struct {
	// Audio is the full payload. Streams are buffered by the caller so a
	// fallback chain can replay the same bytes to the next vendor.
	Audio       []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`

	LanguageHint string `json:"language_hint,omitempty"`
	Diarize      bool   `json:"diarize,omitempty"`
}

type TranscriptionResult struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments,omitempty"`

	AudioDuration time.Duration `json:"audio_duration"`
}

// Segment is a timed span of the transcript. Speaker is empty when the vendor
// does not label speakers.
type Segment struct {
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
	Text    string        `json:"text"`
	Speaker string        `json:"speaker,omitempty"`
}

// Voice is one catalog entry, used to populate voice pickers.
type Voice struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Name        string `json:"name"`
	Language    string `json:"language,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Description string `json:"description,omitempty"`
}

// Binding is one entry of a tenant's priority-ordered adapter list for a capability.
type Binding struct {
	Vendor         string            `json:"vendor" yaml:"vendor"`
	CredentialsRef string            `json:"credentials_ref,omitempty" yaml:"credentials"`
	Priority       int               `json:"priority" yaml:"priority"`
	Options        map[string]string `json:"options,omitempty" yaml:"options"`
}

// Credentials are resolved from a Binding's CredentialsRef by the secrets provider.
type Credentials struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

