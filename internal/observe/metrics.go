// Package observe holds the OpenTelemetry metric instruments for the voice
// platform and the Prometheus bridge that exposes them at /metrics.
//
// Components take a *Metrics that may be nil; every Record method is a no-op
// on a nil receiver so tests and tools can skip metrics entirely.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "voice-platform"

type Metrics struct {
	// ProviderAttempts counts vendor attempts by vendor, capability and outcome.
	ProviderAttempts metric.Int64Counter

	// AttemptDuration is vendor attempt latency in seconds.
	AttemptDuration metric.Float64Histogram

	// UsageCost sums estimated cost (USD) of successful invocations.
	UsageCost metric.Float64Counter

	// ActiveSessions is the number of live (non-terminal) call sessions held in memory.
	ActiveSessions metric.Int64UpDownCounter

	SessionsReaped metric.Int64Counter

	// WebhookEvents counts inbound webhooks by provider and result
	// (processed, noop, rejected, malformed).
	WebhookEvents metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets covers vendor calls from fast synthesis to long transcriptions.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderAttempts, err = m.Int64Counter("voice.provider.attempts",
		metric.WithDescription("Vendor attempts by vendor, capability and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("voice.provider.attempt.duration",
		metric.WithDescription("Latency of a single vendor attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UsageCost, err = m.Float64Counter("voice.usage.cost",
		metric.WithDescription("Estimated vendor cost of successful invocations."),
		metric.WithUnit("{USD}"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voice.sessions.active",
		metric.WithDescription("Live call sessions held by this replica."),
	); err != nil {
		return nil, err
	}
	if met.SessionsReaped, err = m.Int64Counter("voice.sessions.reaped",
		metric.WithDescription("Sessions failed by the stale-session reaper."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("voice.webhook.events",
		metric.WithDescription("Inbound webhooks by provider and result."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) RecordAttempt(ctx context.Context, vendor, capability, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("capability", capability),
		attribute.String("outcome", outcome),
	)
	m.ProviderAttempts.Add(ctx, 1, attrs)
	m.AttemptDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordCost(ctx context.Context, vendor, capability string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.UsageCost.Add(ctx, usd, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("capability", capability),
	))
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}

func (m *Metrics) RecordReaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SessionsReaped.Add(ctx, int64(n))
}

func (m *Metrics) RecordWebhook(ctx context.Context, provider, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}
