package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Capability names a vendor capability. Bindings, rates and records are keyed by it.
type Capability string

const (
	CapabilityTTS Capability = "tts"
	CapabilitySTT Capability = "stt"
)

func (c Capability) Valid() bool { return c == CapabilityTTS || c == CapabilitySTT }

// UnitKind is the unit a Record's Units are counted in.
type UnitKind string

const (
	UnitCharacters   UnitKind = "characters"
	UnitAudioSeconds UnitKind = "audio_seconds"
)

// UnitKindFor returns the billing unit of a capability.
func UnitKindFor(c Capability) UnitKind {
	if c == CapabilitySTT {
		return UnitAudioSeconds
	}
	return UnitCharacters
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is the per-invocation accounting row. One per adapter attempt.
//
// Invariants:
// - Append-only.
// - Failure records carry zero cost; only the adapter that produced the output is billed.
type Record struct {
	ID        string `json:"id" db:"id"`
	TenantID  string `json:"tenant_id" db:"tenant_id"`
	AgentID   string `json:"agent_id,omitempty" db:"agent_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`

	Capability Capability `json:"capability" db:"capability"`
	Vendor     string     `json:"vendor" db:"vendor"`

	Units         int64           `json:"units" db:"units"`
	UnitKind      UnitKind        `json:"unit_kind" db:"unit_kind"`
	EstimatedCost decimal.Decimal `json:"estimated_cost" db:"estimated_cost"`
	Currency      string          `json:"currency" db:"currency"`

	Outcome       Outcome       `json:"outcome" db:"outcome"`
	FailureReason string        `json:"failure_reason,omitempty" db:"failure_reason"`
	LatencyMS     int64         `json:"latency_ms" db:"latency_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
