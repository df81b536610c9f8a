// Package store is the persistence gateway for sessions, turns, usage records
// and provider bindings.
//
// Rules:
//   - Every query is tenant-scoped or keyed by an id that is.
//   - Turns and usage records are append-only.
//   - A terminal session row is never rewritten.
//   - Errors are returned unmodified, except "no rows" which maps to ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"voice-platform/internal/calls"
	"voice-platform/internal/provider"
	"voice-platform/internal/usage"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrLiveSessionExists is returned when a second non-terminal session is
	// saved for the same (agent id, provider call id).
	ErrLiveSessionExists = errors.New("live session already exists for call")

	// ErrSessionImmutable is returned when a write targets a terminal session row.
	ErrSessionImmutable = errors.New("session is terminal")
)

// Gateway is the write side used by the orchestration core.
type Gateway interface {
	// LoadBindings returns the tenant's adapter list for capability (any order;
	// callers sort by priority).
	LoadBindings(ctx context.Context, tenantID string, capability usage.Capability) ([]provider.Binding, error)

	// SaveSession upserts the session header (turns are written by AppendTurnRecord).
	SaveSession(ctx context.Context, s calls.Session) error

	// AppendTurnRecord writes turn and the session header s (already reflecting
	// the turn) atomically.
	AppendTurnRecord(ctx context.Context, s calls.Session, turn calls.Turn) error

	SaveUsageRecord(ctx context.Context, rec usage.Record) error

	// FindStaleSessions returns non-terminal sessions idle since before cutoff.
	FindStaleSessions(ctx context.Context, cutoff time.Time) ([]calls.Session, error)
}

// Reader is the query side for the session API, reporting and restart recovery.
type Reader interface {
	GetSession(ctx context.Context, id string) (calls.Session, error)
	FindLiveSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error)

	// FindLatestSession returns the most recently started session for the
	// call in any state, so late events after hangup can be recognised.
	FindLatestSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]calls.Session, error)
	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]usage.Record, error)
}

type Store interface {
	Gateway
	Reader
}

// SessionFilter narrows ListSessions. TenantID is required; zero values match all.
type SessionFilter struct {
	TenantID string
	AgentID  string
	State    calls.State
	From     time.Time // StartedAt >= From
	To       time.Time // StartedAt < To
	Limit    int
}

const defaultListLimit = 100

func (f SessionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}

func (f SessionFilter) matches(s calls.Session) bool {
	if s.TenantID != f.TenantID {
		return false
	}
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	if !f.From.IsZero() && s.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.StartedAt.Before(f.To) {
		return false
	}
	return true
}
