// Package orchestrator runs a capability request across a tenant's ordered
// adapter list, falling back on failure and recording usage per attempt.
//
// Rules:
//   - Attempts are sequential, in list order, each bounded by a per-capability timeout.
//   - Every adapter invocation produces exactly one usage record.
//   - Only the adapter that produced the output is billed; failures cost zero.
//   - Caller misuse (oversized or empty input) is not retried on other adapters.
//   - The caller's deadline is reported separately from exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"voice-platform/internal/observe"
	"voice-platform/internal/pricing"
	"voice-platform/internal/provider"
	"voice-platform/internal/resilience"
	"voice-platform/internal/usage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecorder is the slice of the persistence gateway the orchestrator needs.
type UsageRecorder interface {
	SaveUsageRecord(ctx context.Context, rec usage.Record) error
}

// Scope attributes usage to a tenant, and optionally an agent and a live session.
type Scope struct {
	TenantID  string
	AgentID   string
	SessionID string
}

// Outcome describes the adapter that served the request.
type Outcome struct {
	Vendor        string          `json:"vendor"`
	Units         int64           `json:"units"`
	UnitKind      usage.UnitKind  `json:"unit_kind"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Currency      string          `json:"currency"`

	// Attempts counts adapters tried, including the successful one.
	Attempts int `json:"attempts"`
}

// Config tunes an Orchestrator. Zero timeouts take the defaults (TTS 10s,
// STT 30s); a nil Logger or Clock falls back to slog.Default and time.Now.
type Config struct {
	// Attempt timeouts bound each adapter call, not the whole chain.
	TTSAttemptTimeout time.Duration
	STTAttemptTimeout time.Duration

	// Breakers is optional. When set, each (tenant, vendor, capability) gets a breaker.
	Breakers *resilience.Registry

	Metrics *observe.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Orchestrator struct {
	recorder UsageRecorder
	cfg      Config
}

// New builds an Orchestrator that records usage through recorder.
func New(recorder UsageRecorder, cfg Config) *Orchestrator {
	if cfg.TTSAttemptTimeout <= 0 {
		cfg.TTSAttemptTimeout = 10 * time.Second
	}
	if cfg.STTAttemptTimeout <= 0 {
		cfg.STTAttemptTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{recorder: recorder, cfg: cfg}
}

// Synthesize tries each synthesizer in order until one returns audio.
func (o *Orchestrator) Synthesize(ctx context.Context, scope Scope, adapters []provider.Synthesizer, req provider.SynthesisRequest) (provider.SynthesisResult, Outcome, error) {
	steps := make([]step[provider.SynthesisResult], 0, len(adapters))
	for _, a := range adapters {
		a := a
		steps = append(steps, step[provider.SynthesisResult]{
			vendor: a.Vendor(),
			run: func(ctx context.Context) (provider.SynthesisResult, int64, error) {
				res, err := a.Synthesize(ctx, req)
				return res, res.Characters, err
			},
			estimate: a.EstimateCost,
		})
	}
	return run(ctx, o, scope, usage.CapabilityTTS, o.cfg.TTSAttemptTimeout, steps)
}

// Transcribe tries each transcriber in order until one returns text. The
// request audio is a byte slice so every attempt sees the same payload.
func (o *Orchestrator) Transcribe(ctx context.Context, scope Scope, adapters []provider.Transcriber, req provider.TranscriptionRequest) (provider.TranscriptionResult, Outcome, error) {
	steps := make([]step[provider.TranscriptionResult], 0, len(adapters))
	for _, a := range adapters {
		a := a
		steps = append(steps, step[provider.TranscriptionResult]{
			vendor: a.Vendor(),
			run: func(ctx context.Context) (provider.TranscriptionResult, int64, error) {
				res, err := a.Transcribe(ctx, req)
				return res, pricing.AudioSeconds(res.AudioDuration), err
			},
			estimate: a.EstimateCost,
		})
	}
	return run(ctx, o, scope, usage.CapabilitySTT, o.cfg.STTAttemptTimeout, steps)
}

type step[T any] struct {
	vendor   string
	run      func(ctx context.Context) (T, int64, error)
	estimate func(units int64) (pricing.Estimate, error)
}

func run[T any](ctx context.Context, o *Orchestrator, scope Scope, capability usage.Capability, timeout time.Duration, steps []step[T]) (T, Outcome, error) {
	var zero T
	if len(steps) == 0 {
		return zero, Outcome{}, ErrNoProviderConfigured
	}
	log := o.cfg.Logger.With("tenant_id", scope.TenantID, "capability", string(capability))

	var failures []AttemptFailure
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return zero, Outcome{}, &DeadlineExceededError{Capability: capability, Failures: failures, Err: err}
		}

		start := o.cfg.Clock()
		out, units, err := attempt(ctx, o, scope, capability, timeout, s)
		latency := o.cfg.Clock().Sub(start)

		if err == nil {
			outcome, err := o.recordSuccess(ctx, scope, capability, s.vendor, s.estimate, units, latency)
			if err != nil {
				return zero, Outcome{}, err
			}
			outcome.Attempts = i + 1
			o.cfg.Metrics.RecordAttempt(ctx, s.vendor, string(capability), "success", latency)
			if i > 0 {
				log.Info("served by fallback adapter", "vendor", s.vendor, "attempt", i+1)
			}
			return out, outcome, nil
		}

		reason := failureReason(err)
		failures = append(failures, AttemptFailure{Vendor: s.vendor, Reason: reason, Err: err})
		if rerr := o.recordFailure(ctx, scope, capability, s.vendor, reason, latency); rerr != nil {
			return zero, Outcome{}, rerr
		}
		o.cfg.Metrics.RecordAttempt(ctx, s.vendor, string(capability), attemptLabel(err), latency)

		switch {
		case isMisuse(err):
			return zero, Outcome{}, err
		case ctx.Err() != nil:
			return zero, Outcome{}, &DeadlineExceededError{Capability: capability, Failures: failures, Err: ctx.Err()}
		}
		log.Warn("adapter attempt failed", "vendor", s.vendor, "attempt", i+1, "reason", reason)
	}

	return zero, Outcome{}, &AllProvidersFailedError{Capability: capability, Failures: failures}
}

// attempt runs one step under its own deadline, through the breaker when configured.
func attempt[T any](ctx context.Context, o *Orchestrator, scope Scope, capability usage.Capability, timeout time.Duration, s step[T]) (T, int64, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		out   T
		units int64
	)
	call := func() error {
		var err error
		out, units, err = s.run(actx)
		return err
	}
	if o.cfg.Breakers == nil {
		err := call()
		return out, units, err
	}

	// Misuse and the caller's own deadline reach the breaker as successes so
	// they never trip a vendor, whatever predicate the registry was built with.
	var callErr error
	b := o.cfg.Breakers.Get(scope.TenantID + "/" + s.vendor + "/" + string(capability))
	err := b.Execute(func() error {
		callErr = call()
		if callErr != nil && (ctx.Err() != nil || !CountsAgainstVendor(callErr)) {
			return nil
		}
		return callErr
	})
	if err == nil {
		err = callErr
	}
	return out, units, err
}

func (o *Orchestrator) recordSuccess(ctx context.Context, scope Scope, capability usage.Capability, vendor string, estimate func(int64) (pricing.Estimate, error), units int64, latency time.Duration) (Outcome, error) {
	outcome := Outcome{
		Vendor:        vendor,
		Units:         units,
		UnitKind:      usage.UnitKindFor(capability),
		EstimatedCost: decimal.Zero,
		Currency:      "USD",
	}
	est, err := estimate(units)
	if err != nil {
		// A missing rate is a configuration gap; the output is still delivered.
		o.cfg.Logger.Warn("no rate for vendor", "vendor", vendor, "capability", string(capability), "err", err)
	} else {
		outcome.EstimatedCost = est.Cost
		outcome.Currency = est.Currency
	}

	rec := o.newRecord(scope, capability, vendor, latency)
	rec.Units = units
	rec.EstimatedCost = outcome.EstimatedCost
	rec.Currency = outcome.Currency
	rec.Outcome = usage.OutcomeSuccess
	if err := o.save(ctx, rec); err != nil {
		return Outcome{}, err
	}
	cost, _ := outcome.EstimatedCost.Float64()
	o.cfg.Metrics.RecordCost(ctx, vendor, string(capability), cost)
	return outcome, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, scope Scope, capability usage.Capability, vendor, reason string, latency time.Duration) error {
	rec := o.newRecord(scope, capability, vendor, latency)
	rec.Outcome = usage.OutcomeFailure
	rec.FailureReason = reason
	return o.save(ctx, rec)
}

func (o *Orchestrator) newRecord(scope Scope, capability usage.Capability, vendor string, latency time.Duration) usage.Record {
	return usage.Record{
		ID:            uuid.NewString(),
		TenantID:      scope.TenantID,
		AgentID:       scope.AgentID,
		SessionID:     scope.SessionID,
		Capability:    capability,
		Vendor:        vendor,
		UnitKind:      usage.UnitKindFor(capability),
		EstimatedCost: decimal.Zero,
		Currency:      "USD",
		LatencyMS:     latency.Milliseconds(),
		CreatedAt:     o.cfg.Clock().UTC(),
	}
}

// save writes through a context detached from the caller's deadline so a
// timed-out request still leaves its usage trail.
func (o *Orchestrator) save(ctx context.Context, rec usage.Record) error {
	return o.recorder.SaveUsageRecord(context.WithoutCancel(ctx), rec)
}

// CountsAgainstVendor is the breaker predicate: caller misuse and caller
// cancellation are not the vendor's fault.
func CountsAgainstVendor(err error) bool {
	return !isMisuse(err) && !errors.Is(err, context.Canceled)
}

func isMisuse(err error) bool {
	return errors.Is(err, provider.ErrPayloadTooLarge) || errors.Is(err, provider.ErrInvalidRequest)
}

func failureReason(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit open"
	}
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.KindHTTP:
			return "http " + strconv.Itoa(pe.StatusCode) + ": " + pe.Message
		case provider.KindTimeout:
			return "timeout"
		}
	}
	return err.Error()
}

func attemptLabel(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "rejected"
	case isMisuse(err):
		return "invalid"
	default:
		return "failure"
	}
}
