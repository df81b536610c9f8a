package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"voice-platform/internal/pricing"
	"voice-platform/internal/usage"
)

var (
	ErrUnknownVendor      = errors.New("unknown vendor")
	ErrMissingCredentials = errors.New("missing vendor credentials")
)

type (
	SynthesizerFactory func(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) Synthesizer
	TranscriberFactory func(client *http.Client, creds Credentials, opts map[string]string, rates *pricing.Table) Transcriber
)

// Registry builds adapters from bindings. Vendors are selected by id; there is
// no type inspection anywhere downstream.
type Registry struct {
	client *http.Client
	rates  *pricing.Table

	synth map[string]SynthesizerFactory
	trans map[string]TranscriberFactory

	// keyless vendors need no credentials (e.g. twilio <Say> rendering).
	keyless map[string]bool
}

// NewRegistry registers the built-in vendors. client is shared by all adapters;
// per-attempt deadlines come from the caller's context.
func NewRegistry(client *http.Client, rates *pricing.Table) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	if rates == nil {
		rates = pricing.DefaultTable()
	}
	r := &Registry{
		client:  client,
		rates:   rates,
		synth:   map[string]SynthesizerFactory{},
		trans:   map[string]TranscriberFactory{},
		keyless: map[string]bool{},
	}

	r.RegisterSynthesizer(VendorElevenLabs, func(c *http.Client, cr Credentials, o map[string]string, t *pricing.Table) Synthesizer {
		return NewElevenLabs(c, cr, o, t)
	})
	r.RegisterSynthesizer(VendorOpenAI, func(c *http.Client, cr Credentials, o map[string]string, t *pricing.Table) Synthesizer {
		return NewOpenAISpeech(c, cr, o, t)
	})
	r.RegisterSynthesizer(VendorTwilio, func(_ *http.Client, _ Credentials, o map[string]string, t *pricing.Table) Synthesizer {
		return NewTwilioSay(o, t)
	})
	r.keyless[VendorTwilio] = true

	r.RegisterTranscriber(VendorDeepgram, func(c *http.Client, cr Credentials, o map[string]string, t *pricing.Table) Transcriber {
		return NewDeepgram(c, cr, o, t)
	})
	r.RegisterTranscriber(VendorOpenAI, func(c *http.Client, cr Credentials, o map[string]string, t *pricing.Table) Transcriber {
		return NewOpenAIWhisper(c, cr, o, t)
	})
	return r
}

func (r *Registry) RegisterSynthesizer(vendor string, f SynthesizerFactory) { r.synth[vendor] = f }
func (r *Registry) RegisterTranscriber(vendor string, f TranscriberFactory) { r.trans[vendor] = f }

// Supports reports whether vendor can serve capability.
func (r *Registry) Supports(vendor string, capability usage.Capability) bool {
	switch capability {
	case usage.CapabilityTTS:
		_, ok := r.synth[vendor]
		return ok
	case usage.CapabilitySTT:
		_, ok := r.trans[vendor]
		return ok
	}
	return false
}

// CredentialLookup resolves a binding's CredentialsRef.
type CredentialLookup func(ref string) (Credentials, bool)

// Synthesizers builds the adapters for bindings in priority order.
func (r *Registry) Synthesizers(bindings []Binding, lookup CredentialLookup) ([]Synthesizer, error) {
	ordered := SortBindings(bindings)
	out := make([]Synthesizer, 0, len(ordered))
	for _, b := range ordered {
		f, ok := r.synth[b.Vendor]
		if !ok {
			return nil, fmt.Errorf("%w: %q for %s", ErrUnknownVendor, b.Vendor, usage.CapabilityTTS)
		}
		creds, err := r.credentials(b, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, f(r.client, creds, b.Options, r.rates))
	}
	return out, nil
}

// Transcribers builds the adapters for bindings in priority order.
func (r *Registry) Transcribers(bindings []Binding, lookup CredentialLookup) ([]Transcriber, error) {
	ordered := SortBindings(bindings)
	out := make([]Transcriber, 0, len(ordered))
	for _, b := range ordered {
		f, ok := r.trans[b.Vendor]
		if !ok {
			return nil, fmt.Errorf("%w: %q for %s", ErrUnknownVendor, b.Vendor, usage.CapabilitySTT)
		}
		creds, err := r.credentials(b, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, f(r.client, creds, b.Options, r.rates))
	}
	return out, nil
}

func (r *Registry) credentials(b Binding, lookup CredentialLookup) (Credentials, error) {
	if r.keyless[b.Vendor] && b.CredentialsRef == "" {
		return Credentials{}, nil
	}
	if lookup == nil || b.CredentialsRef == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrMissingCredentials, b.Vendor)
	}
	creds, ok := lookup(b.CredentialsRef)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s (ref %q)", ErrMissingCredentials, b.Vendor, b.CredentialsRef)
	}
	return creds, nil
}

// SortBindings returns bindings ordered by ascending Priority; ties keep their
// configured order.
func SortBindings(bindings []Binding) []Binding {
	out := make([]Binding, len(bindings))
	copy(out, bindings)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
