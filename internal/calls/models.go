package calls

import (
	"strings"
	"time"
)

// Session is a tenant-scoped voice call and its conversational history.
//
// Invariants:
// - At most one non-terminal session exists per (AgentID, ProviderCallID).
// - Once State is terminal (ended/failed) the session is immutable.
// - Turns are kept in append order; that order is the dialogue order.
// - Sessions are never deleted here; archival is someone else's job.
type Session struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	AgentID        string    `json:"agent_id" db:"agent_id"`
	Provider       string    `json:"provider" db:"provider"`
	ProviderCallID string    `json:"provider_call_id" db:"provider_call_id"`
	Direction      Direction `json:"direction" db:"direction"`

	State     State     `json:"state" db:"state"`
	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`

	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// Sentiment is populated by an external analytics process, never computed here.
	Sentiment *string `json:"sentiment,omitempty" db:"sentiment"`

	Turns []Turn `json:"turns"`
}

// Turn is one utterance within a session. It has no identity outside its session.
type Turn struct {
	Seq        int       `json:"seq" db:"seq"`
	Speaker    Speaker   `json:"speaker" db:"speaker"`
	Text       *string   `json:"text,omitempty" db:"text"`
	AppendedAt time.Time `json:"appended_at" db:"appended_at"`
	AudioRef   string    `json:"audio_ref,omitempty" db:"audio_ref"`
}

type State string

const (
	StateInitiated State = "initiated"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Terminal reports whether no further mutation is allowed.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

func (s State) Valid() bool {
	switch s {
	case StateInitiated, StateActive, StateEnded, StateFailed:
		return true
	default:
		return false
	}
}

type Speaker string

const (
	SpeakerAgent        Speaker = "agent"
	SpeakerCounterparty Speaker = "counterparty"
)

func (s Speaker) Valid() bool { return s == SpeakerAgent || s == SpeakerCounterparty }

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type EndReason string

const (
	EndReasonCompleted       EndReason = "completed"
	EndReasonAdminTerminated EndReason = "admin_terminated"
	EndReasonProviderFailed  EndReason = "provider_failed"
	EndReasonStale           EndReason = "stale"
)

// Stats are derived on read; nothing here is stored separately.
type Stats struct {
	TurnCount       int     `json:"turn_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	Sentiment       *string `json:"sentiment,omitempty"`
}

func (s Session) Stats() Stats {
	end := s.LastActivityAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	return Stats{
		TurnCount:       len(s.Turns),
		DurationSeconds: d.Seconds(),
		Sentiment:       s.Sentiment,
	}
}

// Clone returns a deep copy so callers outside the owning lock cannot alias turn storage.
func (s Session) Clone() Session {
	out := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Sentiment != nil {
		v := *s.Sentiment
		out.Sentiment = &v
	}
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	return out
}

// audioOnlyMarker stands in for turns that carried no text.
const audioOnlyMarker = "[audio]"

// Transcript flattens the turns into "speaker: text" lines, in recorded order.
func (s Session) Transcript() string {
	var b strings.Builder
	for i, t := range s.Turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		if t.Text != nil {
			b.WriteString(*t.Text)
		} else {
			b.WriteString(audioOnlyMarker)
		}
	}
	return b.String()
}

// Text is a convenience for building optional turn text.
func Text(s string) *string { return &s }
