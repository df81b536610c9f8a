package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"voice-platform/internal/telephony"
)

// Repository is the append-only persistence contract for audit events.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records internal audit events. Records are not exposed to tenant
// users; callers treat failures as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// SessionTerminated records an administrative termination.
func (s *Service) SessionTerminated(ctx context.Context, tenantID, sessionID, actorID, actorRole, ip string) error {
	return s.Append(ctx, Event{
		TenantID:  tenantID,
		Type:      EventTypeSessionTerminated,
		ActorID:   actorID,
		ActorRole: actorRole,
		IPAddress: ip,
		SessionID: sessionID,
		Message:   "session terminated by administrator",
	})
}

// WebhookRejected records a callback that failed signature verification.
// The client IP comes from the webhook handler's request context.
func (s *Service) WebhookRejected(ctx context.Context, tenantID, provider, reason string) error {
	return s.Append(ctx, Event{
		TenantID:  tenantID,
		Type:      EventTypeWebhookRejected,
		IPAddress: telephony.ClientIPFromContext(ctx),
		Provider:  provider,
		Message:   "webhook signature rejected",
		Metadata:  map[string]string{"reason": reason},
	})
}
