package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"voice-platform/internal/calls"
	"voice-platform/internal/provider"
	"voice-platform/internal/usage"
)

// MemoryStore keeps everything in process memory. It enforces the same
// invariants as PostgresStore and is used for tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]calls.Session
	live     map[string]string // agent|call -> session id
	latest   map[string]string // agent|call -> newest session id, any state
	usage    []usage.Record
	bindings map[string][]provider.Binding // tenant|capability
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]calls.Session{},
		live:     map[string]string{},
		latest:   map[string]string{},
		bindings: map[string][]provider.Binding{},
	}
}

func liveKey(agentID, providerCallID string) string { return agentID + "|" + providerCallID }

// SetBindings replaces a tenant's bindings for capability.
func (m *MemoryStore) SetBindings(tenantID string, capability usage.Capability, bs []provider.Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[tenantID+"|"+string(capability)] = append([]provider.Binding(nil), bs...)
}

func (m *MemoryStore) LoadBindings(_ context.Context, tenantID string, capability usage.Capability) ([]provider.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]provider.Binding(nil), m.bindings[tenantID+"|"+string(capability)]...), nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s calls.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(s, nil)
}

func (m *MemoryStore) AppendTurnRecord(_ context.Context, s calls.Session, turn calls.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(s, &turn)
}

func (m *MemoryStore) putLocked(s calls.Session, turn *calls.Turn) error {
	prev, exists := m.sessions[s.ID]
	if exists && prev.State.Terminal() {
		return ErrSessionImmutable
	}
	key := liveKey(s.AgentID, s.ProviderCallID)
	if id, ok := m.live[key]; ok && id != s.ID {
		return ErrLiveSessionExists
	}

	next := s.Clone()
	next.Turns = nil
	if exists {
		next.Turns = prev.Turns
	}
	if turn != nil {
		if turn.Seq != len(next.Turns) {
			return errors.New("store: turn sequence gap")
		}
		next.Turns = append(append([]calls.Turn(nil), next.Turns...), *turn)
	}
	m.sessions[s.ID] = next
	if cur, ok := m.sessions[m.latest[key]]; !ok || !next.StartedAt.Before(cur.StartedAt) {
		m.latest[key] = s.ID
	}

	if next.State.Terminal() {
		delete(m.live, key)
	} else {
		m.live[key] = s.ID
	}
	return nil
}

func (m *MemoryStore) SaveUsageRecord(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *MemoryStore) FindStaleSessions(_ context.Context, cutoff time.Time) ([]calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []calls.Session
	for _, id := range m.live {
		s := m.sessions[id]
		if s.LastActivityAt.Before(cutoff) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) FindLiveSession(_ context.Context, agentID, providerCallID string) (calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.live[liveKey(agentID, providerCallID)]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) FindLatestSession(_ context.Context, agentID, providerCallID string) (calls.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latest[liveKey(agentID, providerCallID)]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, f SessionFilter) ([]calls.Session, error) {
	if f.TenantID == "" {
		return nil, errors.New("store: tenant_id required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]calls.Session, 0)
	for _, s := range m.sessions {
		if f.matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *MemoryStore) ListUsage(_ context.Context, tenantID string, from, to time.Time) ([]usage.Record, error) {
	if tenantID == "" {
		return nil, errors.New("store: tenant_id required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]usage.Record, 0)
	for _, r := range m.usage {
		if r.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && r.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !r.CreatedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
