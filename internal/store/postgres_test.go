package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-platform/internal/calls"
	"voice-platform/internal/usage"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var sessionCols = []string{
	"id", "tenant_id", "agent_id", "provider", "provider_call_id", "direction", "state", "end_reason",
	"started_at", "last_activity_at", "ended_at", "sentiment",
}

func TestPostgresStore_SaveSessionMapsLiveIndexViolation(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_sessions")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: liveSessionIndex})

	err := p.SaveSession(context.Background(), newSession("s2", "a1", "CA1", t0))
	assert.ErrorIs(t, err, ErrLiveSessionExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSessionOnTerminalRowIsImmutable(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SaveSession(context.Background(), newSession("s1", "a1", "CA1", t0))
	assert.ErrorIs(t, err, ErrSessionImmutable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendTurnRecordIsTransactional(t *testing.T) {
	p, mock := newMockStore(t)
	s := newSession("s1", "a1", "CA1", t0)
	s.State = calls.StateActive
	turn := calls.Turn{Seq: 0, Speaker: calls.SpeakerAgent, Text: calls.Text("hello"), AppendedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_turns")).
		WithArgs("s1", 0, "agent", "hello", "", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.AppendTurnRecord(context.Background(), s, turn))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendTurnRecordRollsBackOnImmutable(t *testing.T) {
	p, mock := newMockStore(t)
	s := newSession("s1", "a1", "CA1", t0)
	turn := calls.Turn{Seq: 3, Speaker: calls.SpeakerCounterparty, AudioRef: "rec/1.wav", AppendedAt: t0}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_turns")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO voice_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.AppendTurnRecord(context.Background(), s, turn)
	assert.ErrorIs(t, err, ErrSessionImmutable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSessionNotFound(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM voice_sessions WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSessionLoadsTurns(t *testing.T) {
	p, mock := newMockStore(t)
	ended := t0.Add(2 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM voice_sessions WHERE id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "t1", "a1", "twilio", "CA1", "inbound", "ended", "completed", t0, ended, ended, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM voice_turns")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "speaker", "text", "audio_ref", "appended_at"}).
			AddRow(0, "agent", "hello", "", t0).
			AddRow(1, "counterparty", nil, "rec/1.wav", t0.Add(time.Second)))

	s, err := p.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, calls.StateEnded, s.State)
	assert.Equal(t, calls.EndReasonCompleted, s.EndReason)
	require.NotNil(t, s.EndedAt)
	assert.Nil(t, s.Sentiment)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, "agent: hello\ncounterparty: [audio]", s.Transcript())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindLatestSessionOrdersByStart(t *testing.T) {
	p, mock := newMockStore(t)
	ended := t0.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC, id DESC")).
		WithArgs("a1", "CA1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "t1", "a1", "twilio", "CA1", "inbound", "ended", "completed", t0, ended, ended, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM voice_turns")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "speaker", "text", "audio_ref", "appended_at"}))

	s, err := p.FindLatestSession(context.Background(), "a1", "CA1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.True(t, s.State.Terminal())

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC, id DESC")).
		WithArgs("a1", "CA9").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	_, err = p.FindLatestSession(context.Background(), "a1", "CA9")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSessionsGroupsTurns(t *testing.T) {
	p, mock := newMockStore(t)
	cols := append(append([]string(nil), sessionCols...), "seq", "speaker", "text", "audio_ref", "appended_at")

	mock.ExpectQuery(regexp.QuoteMeta("WITH page AS")).
		WithArgs("t1", "", "", nil, nil, defaultListLimit).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s2", "t1", "a1", "twilio", "CA2", "inbound", "active", "", t0.Add(time.Hour), t0.Add(time.Hour), nil, nil,
				0, "agent", "hi", "", t0.Add(time.Hour)).
			AddRow("s2", "t1", "a1", "twilio", "CA2", "inbound", "active", "", t0.Add(time.Hour), t0.Add(time.Hour), nil, nil,
				1, "counterparty", "hello", "", t0.Add(time.Hour)).
			AddRow("s1", "t1", "a1", "twilio", "CA1", "inbound", "initiated", "", t0, t0, nil, nil,
				nil, nil, nil, nil, nil))

	out, err := p.ListSessions(context.Background(), SessionFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "s2", out[0].ID)
	assert.Len(t, out[0].Turns, 2)
	assert.Equal(t, 1, out[0].Turns[1].Seq)
	assert.Empty(t, out[1].Turns)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveUsageRecord(t *testing.T) {
	p, mock := newMockStore(t)
	rec := usage.Record{
		ID: "u1", TenantID: "t1", AgentID: "a1", SessionID: "s1",
		Capability: usage.CapabilityTTS, Vendor: "elevenlabs", Units: 120, UnitKind: usage.UnitCharacters,
		EstimatedCost: decimal.RequireFromString("0.0216"), Currency: "USD",
		Outcome: usage.OutcomeSuccess, LatencyMS: 40, CreatedAt: t0,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("u1", "t1", "a1", "s1", "tts", "elevenlabs", int64(120), "characters",
			rec.EstimatedCost, "USD", "success", "", int64(40), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.SaveUsageRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}
