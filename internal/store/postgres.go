package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-platform/internal/calls"
	"voice-platform/internal/provider"
	"voice-platform/internal/usage"
	"voice-platform/pkg/utils"
)

// liveSessionIndex is the partial unique index backing the one-live-session-per-call invariant.
const liveSessionIndex = "voice_sessions_live_call_uniq"

// PostgresStore implements Store on database/sql with the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) LoadBindings(ctx context.Context, tenantID string, capability usage.Capability) ([]provider.Binding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT vendor, credentials_ref, priority, options
		FROM provider_bindings
		WHERE tenant_id = $1 AND capability = $2
		ORDER BY priority, vendor`, tenantID, string(capability))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []provider.Binding
	for rows.Next() {
		var (
			b    provider.Binding
			opts []byte
		)
		if err := rows.Scan(&b.Vendor, &b.CredentialsRef, &b.Priority, &opts); err != nil {
			return nil, err
		}
		if len(opts) > 0 {
			if err := json.Unmarshal(opts, &b.Options); err != nil {
				return nil, fmt.Errorf("store: binding options for %s: %w", b.Vendor, err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const upsertSessionSQL = `
	INSERT INTO voice_sessions
		(id, tenant_id, agent_id, provider, provider_call_id, direction, state, end_reason,
		 started_at, last_activity_at, ended_at, sentiment)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		state = EXCLUDED.state,
		end_reason = EXCLUDED.end_reason,
		last_activity_at = EXCLUDED.last_activity_at,
		ended_at = EXCLUDED.ended_at,
		sentiment = COALESCE(EXCLUDED.sentiment, voice_sessions.sentiment)
	WHERE voice_sessions.state NOT IN ('ended', 'failed')`

func (p *PostgresStore) SaveSession(ctx context.Context, s calls.Session) error {
	return upsertSession(ctx, p.db, s)
}

func upsertSession(ctx context.Context, q utils.Querier, s calls.Session) error {
	res, err := q.ExecContext(ctx, upsertSessionSQL,
		s.ID, s.TenantID, s.AgentID, s.Provider, s.ProviderCallID, string(s.Direction),
		string(s.State), string(s.EndReason), s.StartedAt, s.LastActivityAt, s.EndedAt, s.Sentiment)
	if err != nil {
		if utils.IsUniqueViolation(err, liveSessionIndex) {
			return ErrLiveSessionExists
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionImmutable
	}
	return nil
}

func (p *PostgresStore) AppendTurnRecord(ctx context.Context, s calls.Session, turn calls.Turn) error {
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voice_turns (session_id, seq, speaker, text, audio_ref, appended_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, turn.Seq, string(turn.Speaker), turn.Text, turn.AudioRef, turn.AppendedAt); err != nil {
			return err
		}
		return upsertSession(ctx, tx, s)
	})
}

func (p *PostgresStore) SaveUsageRecord(ctx context.Context, r usage.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, tenant_id, agent_id, session_id, capability, vendor, units, unit_kind,
			 estimated_cost, currency, outcome, failure_reason, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.TenantID, r.AgentID, r.SessionID, string(r.Capability), r.Vendor, r.Units, string(r.UnitKind),
		r.EstimatedCost, r.Currency, string(r.Outcome), r.FailureReason, r.LatencyMS, r.CreatedAt)
	return err
}

const sessionColumns = `id, tenant_id, agent_id, provider, provider_call_id, direction, state, end_reason,
	started_at, last_activity_at, ended_at, sentiment`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (calls.Session, error) {
	var s calls.Session
	err := row.Scan(&s.ID, &s.TenantID, &s.AgentID, &s.Provider, &s.ProviderCallID, &s.Direction,
		&s.State, &s.EndReason, &s.StartedAt, &s.LastActivityAt, &s.EndedAt, &s.Sentiment)
	return s, err
}

func (p *PostgresStore) FindStaleSessions(ctx context.Context, cutoff time.Time) ([]calls.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM voice_sessions
		WHERE state IN ('initiated', 'active') AND last_activity_at < $1
		ORDER BY last_activity_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (calls.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM voice_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	if s.Turns, err = p.loadTurns(ctx, s.ID); err != nil {
		return calls.Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) FindLiveSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM voice_sessions
		WHERE agent_id = $1 AND provider_call_id = $2 AND state IN ('initiated', 'active')`,
		agentID, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	if s.Turns, err = p.loadTurns(ctx, s.ID); err != nil {
		return calls.Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) FindLatestSession(ctx context.Context, agentID, providerCallID string) (calls.Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM voice_sessions
		WHERE agent_id = $1 AND provider_call_id = $2
		ORDER BY started_at DESC, id DESC
		LIMIT 1`,
		agentID, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Session{}, ErrNotFound
	}
	if err != nil {
		return calls.Session{}, err
	}
	if s.Turns, err = p.loadTurns(ctx, s.ID); err != nil {
		return calls.Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) loadTurns(ctx context.Context, sessionID string) ([]calls.Turn, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, speaker, text, audio_ref, appended_at
		FROM voice_turns
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Turn
	for rows.Next() {
		var t calls.Turn
		if err := rows.Scan(&t.Seq, &t.Speaker, &t.Text, &t.AudioRef, &t.AppendedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListSessions returns sessions newest first, each with its turns.
func (p *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]calls.Session, error) {
	if f.TenantID == "" {
		return nil, errors.New("store: tenant_id required")
	}

	// Optional filters use the "$n = '' OR col = $n" form so the statement text is fixed.
	var from, to any
	if !f.From.IsZero() {
		from = f.From
	}
	if !f.To.IsZero() {
		to = f.To
	}
	rows, err := p.db.QueryContext(ctx, `
		WITH page AS (
			SELECT `+sessionColumns+`
			FROM voice_sessions
			WHERE tenant_id = $1
			  AND ($2 = '' OR agent_id = $2)
			  AND ($3 = '' OR state = $3)
			  AND ($4::timestamptz IS NULL OR started_at >= $4)
			  AND ($5::timestamptz IS NULL OR started_at < $5)
			ORDER BY started_at DESC, id
			LIMIT $6
		)
		SELECT page.id, page.tenant_id, page.agent_id, page.provider, page.provider_call_id, page.direction,
		       page.state, page.end_reason, page.started_at, page.last_activity_at, page.ended_at, page.sentiment,
		       t.seq, t.speaker, t.text, t.audio_ref, t.appended_at
		FROM page
		LEFT JOIN voice_turns t ON t.session_id = page.id
		ORDER BY page.started_at DESC, page.id, t.seq`,
		f.TenantID, f.AgentID, string(f.State), from, to, f.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.Session, 0)
	for rows.Next() {
		var (
			s          calls.Session
			seq        sql.NullInt64
			speaker    sql.NullString
			text       *string
			audioRef   sql.NullString
			appendedAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.AgentID, &s.Provider, &s.ProviderCallID, &s.Direction,
			&s.State, &s.EndReason, &s.StartedAt, &s.LastActivityAt, &s.EndedAt, &s.Sentiment,
			&seq, &speaker, &text, &audioRef, &appendedAt); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != s.ID {
			out = append(out, s)
		}
		if seq.Valid {
			cur := &out[len(out)-1]
			cur.Turns = append(cur.Turns, calls.Turn{
				Seq:        int(seq.Int64),
				Speaker:    calls.Speaker(speaker.String),
				Text:       text,
				AudioRef:   audioRef.String,
				AppendedAt: appendedAt.Time,
			})
		}
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]usage.Record, error) {
	if tenantID == "" {
		return nil, errors.New("store: tenant_id required")
	}
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, agent_id, session_id, capability, vendor, units, unit_kind,
		       estimated_cost, currency, outcome, failure_reason, latency_ms, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]usage.Record, 0)
	for rows.Next() {
		var r usage.Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.SessionID, &r.Capability, &r.Vendor, &r.Units,
			&r.UnitKind, &r.EstimatedCost, &r.Currency, &r.Outcome, &r.FailureReason, &r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping is used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, p.db, 2*time.Second)
}
