package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"voice-platform/internal/telephony"
)

func TestService_AppendRequiresTenantAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventTypeSessionTerminated}); err == nil {
		t.Fatalf("expected error without tenant")
	}
	if err := svc.Append(context.Background(), Event{TenantID: "t1"}); err == nil {
		t.Fatalf("expected error without type")
	}
}

func TestService_SessionTerminated(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.SessionTerminated(context.Background(), "t1", "s1", "u1", "admin", "1.2.3.4"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	e := evs[0]
	if e.Type != EventTypeSessionTerminated || e.SessionID != "s1" || e.ActorRole != "admin" || e.IPAddress != "1.2.3.4" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be filled: %+v", e)
	}
}

func TestService_WebhookRejectedCapturesClientIP(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	ctx := telephony.WithClientIP(context.Background(), "203.0.113.9")
	if err := svc.WebhookRejected(ctx, "t1", "twilio", "signature mismatch"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	e := repo.Events()[0]
	if e.IPAddress != "203.0.113.9" || e.Provider != "twilio" || e.Metadata["reason"] != "signature mismatch" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestSQLRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_events")).
		WithArgs("e1", "t1", "webhook_rejected", "", "", "203.0.113.9", "", "vapi", "webhook signature rejected",
			[]byte(`{"reason":"missing header"}`), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewSQLRepo(db).Append(context.Background(), Event{
		ID:        "e1",
		TenantID:  "t1",
		Type:      EventTypeWebhookRejected,
		IPAddress: "203.0.113.9",
		Provider:  "vapi",
		Message:   "webhook signature rejected",
		Metadata:  map[string]string{"reason": "missing header"},
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
