package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"voice-platform/internal/calls"
	"voice-platform/internal/usage"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// SessionStatsRequest scopes stats to one tenant and the sessions started in Range.
type SessionStatsRequest struct {
	TenantID string    `json:"tenant_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	Range    TimeRange `json:"range"`
}

type SessionStats struct {
	TenantID string    `json:"tenant_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	Range    TimeRange `json:"range"`

	TotalSessions int                     `json:"total_sessions"`
	ByState       map[calls.State]int     `json:"by_state"`
	ByEndReason   map[calls.EndReason]int `json:"by_end_reason"`
	TotalTurns    int                     `json:"total_turns"`

	// Durations cover closed sessions only.
	TotalDurationSeconds   int64 `json:"total_duration_seconds"`
	AverageDurationSeconds int64 `json:"average_duration_seconds"`

	Usage []UsageLine `json:"usage"`
}

// UsageLine aggregates usage records for one vendor and capability.
type UsageLine struct {
	Vendor     string           `json:"vendor"`
	Capability usage.Capability `json:"capability"`
	UnitKind   usage.UnitKind   `json:"unit_kind"`

	Units          int64           `json:"units"`
	Successes      int             `json:"successes"`
	Failures       int             `json:"failures"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	Currency       string          `json:"currency"`
	AvgLatencyMS   int64           `json:"avg_latency_ms"`
	totalLatencyMS int64
}
