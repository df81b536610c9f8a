package audit

import "time"

// Event is an append-only audit record. Events are never updated or deleted;
// tenant_id is always set.
type Event struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     EventType `json:"type" db:"type"`

	// Actor is empty for events raised by unauthenticated callers (webhooks).
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	SessionID string `json:"session_id,omitempty" db:"session_id"`
	Provider  string `json:"provider,omitempty" db:"provider"`

	Message  string            `json:"message,omitempty" db:"message"`
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSessionTerminated EventType = "session_terminated"
	EventTypeWebhookRejected   EventType = "webhook_rejected"
)
