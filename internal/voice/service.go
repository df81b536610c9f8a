// Package voice is the application core: it resolves a tenant's provider
// chain, runs it through the orchestrator and drives sessions from webhook
// events.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"voice-platform/internal/calls"
	"voice-platform/internal/orchestrator"
	"voice-platform/internal/provider"
	"voice-platform/internal/session"
	"voice-platform/internal/usage"
)

var (
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProviderConfig means the tenant's bindings cannot be turned into adapters.
	ErrProviderConfig = errors.New("provider configuration error")
)

// BindingSource is the store side of binding lookup.
type BindingSource interface {
	LoadBindings(ctx context.Context, tenantID string, capability usage.Capability) ([]provider.Binding, error)
}

// TenantDirectory supplies default bindings and vendor credentials.
type TenantDirectory interface {
	Bindings(tenantID string, capability usage.Capability) []provider.Binding
	CredentialLookup(tenantID string) provider.CredentialLookup
}

// Sessions is the session lifecycle the service drives.
type Sessions interface {
	Resume(ctx context.Context, req session.OpenRequest) (calls.Session, bool, error)
	Lookup(ctx context.Context, agentID, providerCallID string) (calls.Session, error)
	Connect(ctx context.Context, id string) (calls.Session, error)
	AppendTurn(ctx context.Context, id string, in session.TurnInput) (int, error)
	End(ctx context.Context, id string, reason calls.EndReason) (calls.Session, error)
	Fail(ctx context.Context, id string, reason calls.EndReason) (calls.Session, error)
	Get(ctx context.Context, id string) (calls.Session, error)
}

type Deps struct {
	Bindings     BindingSource
	Tenants      TenantDirectory
	Registry     *provider.Registry
	Orchestrator *orchestrator.Orchestrator
	Sessions     Sessions
	Catalog      *provider.Catalog

	// Optional.
	Responder Responder
	Limiter   ConcurrencyLimiter
	Clips     ClipStore

	// MediaBaseURL is the public prefix clips are served under, e.g.
	// https://voice.example.com/media. Without it replies use the provider's own TTS.
	MediaBaseURL string

	MaxAudioBytes int64
	Logger        *slog.Logger
}

type Service struct {
	d Deps
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Catalog == nil {
		d.Catalog = provider.NewCatalog(0)
	}
	if d.MaxAudioBytes <= 0 {
		d.MaxAudioBytes = 25 << 20
	}
	return &Service{d: d}
}

type SynthesizeRequest struct {
	TenantID     string
	AgentID      string
	SessionID    string
	Text         string
	VoiceID      string
	Language     string
	SpeakingRate float64
}

type SynthesizeResponse struct {
	Result  provider.SynthesisResult
	Outcome orchestrator.Outcome
}

// Synthesize renders text through the tenant's TTS chain.
func (s *Service) Synthesize(ctx context.Context, req SynthesizeRequest) (SynthesizeResponse, error) {
	if req.TenantID == "" {
		return SynthesizeResponse{}, fmt.Errorf("%w: tenant_id required", ErrInvalidRequest)
	}
	release, err := s.acquire(ctx, req.TenantID)
	if err != nil {
		return SynthesizeResponse{}, err
	}
	defer release()

	bindings, err := s.bindings(ctx, req.TenantID, usage.CapabilityTTS)
	if err != nil {
		return SynthesizeResponse{}, err
	}
	adapters, err := s.d.Registry.Synthesizers(bindings, s.d.Tenants.CredentialLookup(req.TenantID))
	if err != nil {
		return SynthesizeResponse{}, fmt.Errorf("%w: %w", ErrProviderConfig, err)
	}

	scope := orchestrator.Scope{TenantID: req.TenantID, AgentID: req.AgentID, SessionID: req.SessionID}
	res, out, err := s.d.Orchestrator.Synthesize(ctx, scope, adapters, provider.SynthesisRequest{
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		SpeakingRate: req.SpeakingRate,
		Language:     req.Language,
	})
	if err != nil {
		return SynthesizeResponse{}, err
	}
	return SynthesizeResponse{Result: res, Outcome: out}, nil
}

type TranscribeRequest struct {
	TenantID     string
	AgentID      string
	SessionID    string
	Audio        []byte
	ContentType  string
	LanguageHint string
	Diarize      bool
}

type TranscribeResponse struct {
	Result  provider.TranscriptionResult
	Outcome orchestrator.Outcome
}

// Transcribe runs audio through the tenant's STT chain.
func (s *Service) Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResponse, error) {
	if req.TenantID == "" {
		return TranscribeResponse{}, fmt.Errorf("%w: tenant_id required", ErrInvalidRequest)
	}
	if len(req.Audio) == 0 {
		return TranscribeResponse{}, fmt.Errorf("%w: audio is required", provider.ErrInvalidRequest)
	}
	if int64(len(req.Audio)) > s.d.MaxAudioBytes {
		return TranscribeResponse{}, &provider.PayloadTooLargeError{Limit: int(s.d.MaxAudioBytes), Size: len(req.Audio)}
	}
	release, err := s.acquire(ctx, req.TenantID)
	if err != nil {
		return TranscribeResponse{}, err
	}
	defer release()

	bindings, err := s.bindings(ctx, req.TenantID, usage.CapabilitySTT)
	if err != nil {
		return TranscribeResponse{}, err
	}
	adapters, err := s.d.Registry.Transcribers(bindings, s.d.Tenants.CredentialLookup(req.TenantID))
	if err != nil {
		return TranscribeResponse{}, fmt.Errorf("%w: %w", ErrProviderConfig, err)
	}

	scope := orchestrator.Scope{TenantID: req.TenantID, AgentID: req.AgentID, SessionID: req.SessionID}
	res, out, err := s.d.Orchestrator.Transcribe(ctx, scope, adapters, provider.TranscriptionRequest{
		Audio:        req.Audio,
		ContentType:  req.ContentType,
		LanguageHint: req.LanguageHint,
		Diarize:      req.Diarize,
	})
	if err != nil {
		return TranscribeResponse{}, err
	}
	return TranscribeResponse{Result: res, Outcome: out}, nil
}

// ListVoices merges the voice catalogues of the tenant's TTS vendors. A vendor
// whose listing fails is skipped unless every vendor fails.
func (s *Service) ListVoices(ctx context.Context, tenantID string) ([]provider.Voice, error) {
	bindings, err := s.bindings(ctx, tenantID, usage.CapabilityTTS)
	if err != nil {
		return nil, err
	}
	adapters, err := s.d.Registry.Synthesizers(bindings, s.d.Tenants.CredentialLookup(tenantID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderConfig, err)
	}
	if len(adapters) == 0 {
		return nil, orchestrator.ErrNoProviderConfigured
	}

	out := make([]provider.Voice, 0)
	var errs []error
	seen := map[string]bool{}
	for _, a := range adapters {
		if seen[a.Vendor()] {
			continue
		}
		seen[a.Vendor()] = true
		voices, err := s.d.Catalog.Voices(ctx, tenantID+"/"+a.Vendor(), a)
		if err != nil {
			s.d.Logger.Warn("voice listing failed", "tenant_id", tenantID, "vendor", a.Vendor(), "err", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, voices...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// bindings prefers the store and falls back to the tenant file.
func (s *Service) bindings(ctx context.Context, tenantID string, capability usage.Capability) ([]provider.Binding, error) {
	var bs []provider.Binding
	if s.d.Bindings != nil {
		var err error
		if bs, err = s.d.Bindings.LoadBindings(ctx, tenantID, capability); err != nil {
			return nil, err
		}
	}
	if len(bs) == 0 && s.d.Tenants != nil {
		bs = s.d.Tenants.Bindings(tenantID, capability)
	}
	return bs, nil
}

func (s *Service) acquire(ctx context.Context, tenantID string) (func(), error) {
	if s.d.Limiter == nil {
		return func() {}, nil
	}
	return s.d.Limiter.Acquire(ctx, tenantID)
}
