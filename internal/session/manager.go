// Package session owns the lifecycle of voice call sessions.
//
// Rules:
//   - All mutations of one session are serialized by the Locker. Under the
//     lock the store copy is the one that gets read and written, so replicas
//     sharing a store and a RedisLocker see each other's writes.
//   - Terminal sessions are never mutated; events aimed at them yield ErrSessionTerminal.
//   - The in-process call index only maps calls to session ids and is
//     rebuilt lazily from the store after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-platform/internal/calls"
	"voice-platform/internal/observe"
	"voice-platform/internal/store"
)

// Store is the persistence the manager needs.
type Store interface {
	SaveSession(ctx context.Context, s calls.Session) error
	AppendTurnRecord(ctx context.Context, s calls.Session, turn calls.Turn) error
	FindStaleSessions(ctx context.Context, cutoff time.Time) ([]calls.Session, error)
	GetSession(ctx context.Context, id string) (calls.Session, error)
	FindLiveSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error)
	FindLatestSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error)
}

// OpenRequest identifies the call a session belongs to. Direction defaults
// to inbound.
type OpenRequest struct {
	TenantID       string
	AgentID        string
	Provider       string
	ProviderCallID string
	Direction      calls.Direction
}

func (r OpenRequest) validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id required", ErrInvalidRequest)
	case r.AgentID == "":
		return fmt.Errorf("%w: agent_id required", ErrInvalidRequest)
	case r.ProviderCallID == "":
		return fmt.Errorf("%w: provider_call_id required", ErrInvalidRequest)
	}
	return nil
}

// TurnInput is one utterance to record. At least one of Text and AudioRef is set.
type TurnInput struct {
	Speaker  calls.Speaker
	Text     *string
	AudioRef string
	At       time.Time // zero means now
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the lifecycle logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records session counters on mt. Nil disables them.
func WithMetrics(mt *observe.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithIDGenerator replaces uuid.NewString for new session ids.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// WithStaleAfter sets the inactivity ceiling Run reaps at (default 15m).
func WithStaleAfter(d time.Duration) Option { return func(m *Manager) { m.staleAfter = d } }

// WithReaperInterval sets how often Run reaps (default 1m).
func WithReaperInterval(d time.Duration) Option { return func(m *Manager) { m.reapEvery = d } }

// Manager tracks live sessions and applies lifecycle transitions.
type Manager struct {
	store   Store
	locker  Locker
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
	newID   func() string

	staleAfter time.Duration
	reapEvery  time.Duration

	mu     sync.RWMutex
	byCall map[string]string // callKey -> id of the session last seen live
}

// NewManager builds a Manager over st. A nil locker means an in-process KeyedMutex.
func NewManager(st Store, locker Locker, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		locker:     locker,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		staleAfter: 15 * time.Minute,
		reapEvery:  time.Minute,
		byCall:     map[string]string{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.locker == nil {
		m.locker = NewKeyedMutex()
	}
	return m
}

func callKey(agentID, providerCallID string) string {
	return "call:" + agentID + "|" + providerCallID
}

func sessionKey(id string) string { return "session:" + id }

// Open returns the live session for (agent, provider call id), creating it in
// the initiated state when none exists. created reports which happened.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (s calls.Session, created bool, err error) {
	return m.open(ctx, req, false)
}

// Resume is Open for provider events. When the newest session recorded for
// the call is already terminal it returns a *TerminalError instead of
// starting another one, so late or redelivered webhooks cannot revive a call.
func (m *Manager) Resume(ctx context.Context, req OpenRequest) (s calls.Session, created bool, err error) {
	return m.open(ctx, req, true)
}

func (m *Manager) open(ctx context.Context, req OpenRequest, resume bool) (s calls.Session, created bool, err error) {
	if err := req.validate(); err != nil {
		return calls.Session{}, false, err
	}
	if req.Direction == "" {
		req.Direction = calls.DirectionInbound
	}

	unlock, err := m.locker.Lock(ctx, callKey(req.AgentID, req.ProviderCallID))
	if err != nil {
		return calls.Session{}, false, err
	}
	defer unlock()

	existing, err := m.findLive(ctx, req.AgentID, req.ProviderCallID)
	switch {
	case err == nil:
		if existing.TenantID != req.TenantID {
			return calls.Session{}, false, fmt.Errorf("%w: call belongs to another tenant", ErrInvalidRequest)
		}
		return existing.Clone(), false, nil
	case !errors.Is(err, ErrNotFound):
		return calls.Session{}, false, err
	}
	if resume {
		prev, err := m.store.FindLatestSession(ctx, req.AgentID, req.ProviderCallID)
		switch {
		case err == nil && prev.State.Terminal():
			if prev.TenantID != req.TenantID {
				return calls.Session{}, false, fmt.Errorf("%w: call belongs to another tenant", ErrInvalidRequest)
			}
			return calls.Session{}, false, &TerminalError{SessionID: prev.ID, State: prev.State}
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return calls.Session{}, false, err
		}
	}

	now := m.now().UTC()
	s = calls.Session{
		ID:             m.newID(),
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		Provider:       req.Provider,
		ProviderCallID: req.ProviderCallID,
		Direction:      req.Direction,
		State:          calls.StateInitiated,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		if !errors.Is(err, store.ErrLiveSessionExists) {
			return calls.Session{}, false, err
		}
		// Another replica opened it between our lookup and insert.
		existing, ferr := m.store.FindLiveSession(ctx, req.AgentID, req.ProviderCallID)
		if ferr != nil {
			return calls.Session{}, false, err
		}
		m.index(existing)
		return existing.Clone(), false, nil
	}
	m.index(s)
	m.metrics.SessionOpened(ctx)
	m.logger.Info("session opened", "session_id", s.ID, "tenant_id", s.TenantID, "agent_id", s.AgentID, "provider", s.Provider)
	return s.Clone(), true, nil
}

func (m *Manager) findLive(ctx context.Context, agentID, providerCallID string) (calls.Session, error) {
	m.mu.RLock()
	id, ok := m.byCall[callKey(agentID, providerCallID)]
	m.mu.RUnlock()
	if ok {
		s, err := m.store.GetSession(ctx, id)
		switch {
		case err == nil && !s.State.Terminal():
			return s, nil
		case err == nil || errors.Is(err, store.ErrNotFound):
			m.unindex(agentID, providerCallID, id)
		default:
			return calls.Session{}, err
		}
	}

	s, err := m.store.FindLiveSession(ctx, agentID, providerCallID)
	if errors.Is(err, store.ErrNotFound) {
		return calls.Session{}, ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	m.index(s)
	return s, nil
}

// Lookup returns the live session for (agent, provider call id) without creating one.
func (m *Manager) Lookup(ctx context.Context, agentID, providerCallID string) (calls.Session, error) {
	s, err := m.findLive(ctx, agentID, providerCallID)
	if err != nil {
		return calls.Session{}, err
	}
	return s.Clone(), nil
}

// Connect moves an initiated session to active. Connecting an active session is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) (calls.Session, error) {
	return m.mutate(ctx, id, func(s *calls.Session, now time.Time) (*calls.Turn, error) {
		if s.State == calls.StateActive {
			return nil, errUnchanged
		}
		s.State = calls.StateActive
		s.LastActivityAt = now
		return nil, nil
	})
}

// AppendTurn records a turn and returns the session's turn count afterwards.
// The first turn activates an initiated session.
func (m *Manager) AppendTurn(ctx context.Context, id string, in TurnInput) (int, error) {
	if !in.Speaker.Valid() {
		return 0, fmt.Errorf("%w: speaker %q", ErrInvalidTurn, in.Speaker)
	}
	if in.Text == nil && in.AudioRef == "" {
		return 0, fmt.Errorf("%w: text or audio_ref required", ErrInvalidTurn)
	}

	s, err := m.mutate(ctx, id, func(s *calls.Session, now time.Time) (*calls.Turn, error) {
		at := in.At.UTC()
		if in.At.IsZero() {
			at = now
		}
		if n := len(s.Turns); n > 0 && at.Before(s.Turns[n-1].AppendedAt) {
			at = s.Turns[n-1].AppendedAt
		}
		var text *string
		if in.Text != nil {
			text = calls.Text(*in.Text)
		}
		turn := calls.Turn{
			Seq:        len(s.Turns),
			Speaker:    in.Speaker,
			Text:       text,
			AudioRef:   in.AudioRef,
			AppendedAt: at,
		}
		s.Turns = append(s.Turns, turn)
		s.State = calls.StateActive
		s.LastActivityAt = latest(s.LastActivityAt, now, at)
		return &turn, nil
	})
	if err != nil {
		return 0, err
	}
	return len(s.Turns), nil
}

// End closes a session normally. An empty reason means completed.
func (m *Manager) End(ctx context.Context, id string, reason calls.EndReason) (calls.Session, error) {
	if reason == "" {
		reason = calls.EndReasonCompleted
	}
	return m.finish(ctx, id, calls.StateEnded, reason)
}

// Fail closes a session as failed. An empty reason means provider_failed.
func (m *Manager) Fail(ctx context.Context, id string, reason calls.EndReason) (calls.Session, error) {
	if reason == "" {
		reason = calls.EndReasonProviderFailed
	}
	return m.finish(ctx, id, calls.StateFailed, reason)
}

// Terminate ends a session on administrative request. A session that is
// already terminal yields a *TerminalError the caller should surface.
func (m *Manager) Terminate(ctx context.Context, id string) (calls.Session, error) {
	return m.finish(ctx, id, calls.StateEnded, calls.EndReasonAdminTerminated)
}

func (m *Manager) finish(ctx context.Context, id string, state calls.State, reason calls.EndReason) (calls.Session, error) {
	s, err := m.mutate(ctx, id, func(s *calls.Session, now time.Time) (*calls.Turn, error) {
		s.State = state
		s.EndReason = reason
		s.EndedAt = &now
		s.LastActivityAt = latest(s.LastActivityAt, now)
		return nil, nil
	})
	if err != nil {
		return calls.Session{}, err
	}
	m.logger.Info("session closed", "session_id", s.ID, "tenant_id", s.TenantID, "state", s.State, "end_reason", s.EndReason)
	return s, nil
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}

// errUnchanged lets a mutation decline without persisting anything.
var errUnchanged = errors.New("unchanged")

type mutation func(s *calls.Session, now time.Time) (*calls.Turn, error)

// mutate applies fn to the store's copy of the session under the session lock.
func (m *Manager) mutate(ctx context.Context, id string, fn mutation) (calls.Session, error) {
	unlock, err := m.locker.Lock(ctx, sessionKey(id))
	if err != nil {
		return calls.Session{}, err
	}
	defer unlock()

	cur, err := m.load(ctx, id)
	if err != nil {
		return calls.Session{}, err
	}
	if cur.State.Terminal() {
		m.unindex(cur.AgentID, cur.ProviderCallID, id)
		return calls.Session{}, &TerminalError{SessionID: id, State: cur.State}
	}

	next := cur.Clone()
	turn, err := fn(&next, m.now().UTC())
	if errors.Is(err, errUnchanged) {
		return cur.Clone(), nil
	}
	if err != nil {
		return calls.Session{}, err
	}

	if turn != nil {
		err = m.store.AppendTurnRecord(ctx, next, *turn)
	} else {
		err = m.store.SaveSession(ctx, next)
	}
	if errors.Is(err, store.ErrSessionImmutable) {
		m.unindex(next.AgentID, next.ProviderCallID, id)
		return calls.Session{}, &TerminalError{SessionID: id}
	}
	if err != nil {
		return calls.Session{}, err
	}

	if next.State.Terminal() {
		m.unindex(next.AgentID, next.ProviderCallID, id)
		m.metrics.SessionClosed(ctx)
	} else {
		m.index(next)
	}
	return next.Clone(), nil
}

func (m *Manager) load(ctx context.Context, id string) (calls.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return calls.Session{}, ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	return s, nil
}

func (m *Manager) index(s calls.Session) {
	m.mu.Lock()
	m.byCall[callKey(s.AgentID, s.ProviderCallID)] = s.ID
	m.mu.Unlock()
}

func (m *Manager) unindex(agentID, providerCallID, id string) {
	key := callKey(agentID, providerCallID)
	m.mu.Lock()
	if m.byCall[key] == id {
		delete(m.byCall, key)
	}
	m.mu.Unlock()
}

// Get returns a copy of the session.
func (m *Manager) Get(ctx context.Context, id string) (calls.Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return calls.Session{}, err
	}
	return s.Clone(), nil
}

// FormatForDownstream renders the transcript as "speaker: text" lines in turn order.
func (m *Manager) FormatForDownstream(ctx context.Context, id string) (string, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Transcript(), nil
}

// ReapStale fails every non-terminal session idle for longer than threshold
// and returns how many it closed. Candidates come from the store and are
// re-read under their lock, so a session that saw activity after being
// selected (here or on another replica) is left alone.
func (m *Manager) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := m.now().UTC().Add(-threshold)

	candidates, err := m.store.FindStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var (
		reaped int
		errs   []error
	)
	for _, c := range candidates {
		id := c.ID
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		closed := false
		_, err := m.mutate(ctx, id, func(s *calls.Session, now time.Time) (*calls.Turn, error) {
			if !s.LastActivityAt.Before(cutoff) {
				return nil, errUnchanged
			}
			s.State = calls.StateFailed
			s.EndReason = calls.EndReasonStale
			s.EndedAt = &now
			closed = true
			return nil, nil
		})
		switch {
		case err == nil:
			if closed {
				reaped++
			}
		case errors.Is(err, ErrSessionTerminal), errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("reap %s: %w", id, err))
		}
	}

	if reaped > 0 {
		m.metrics.RecordReaped(ctx, reaped)
		m.logger.Info("stale sessions reaped", "count", reaped, "cutoff", cutoff)
	}
	return reaped, errors.Join(errs...)
}

// Run reaps stale sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.reapEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.ReapStale(ctx, m.staleAfter); err != nil && ctx.Err() == nil {
				m.logger.Error("session reaper failed", "err", err)
			}
		}
	}
}
