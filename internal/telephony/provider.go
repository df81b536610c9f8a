package telephony

import (
	"context"
	"errors"
	"net/url"
	"time"

	"voice-platform/internal/calls"
)

// Event is a provider callback normalized for the voice service.
//
// Rules:
//   - Parsers only translate; they never touch sessions or stores.
//   - TenantID comes from the route, never from the payload.
//   - Turns are in the order the provider reported them.
type Event struct {
	Provider       string
	TenantID       string
	AgentID        string
	ProviderCallID string
	Direction      calls.Direction

	// Status is the call lifecycle signal carried by the callback, if any.
	Status Status

	Turns []TurnEvent

	OccurredAt time.Time
}

type TurnEvent struct {
	Speaker  calls.Speaker
	Text     *string
	AudioRef string
	At       time.Time
}

type Status string

const (
	StatusNone      Status = ""
	StatusStarted   Status = "started"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status closes the call.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusFailed }

var (
	// ErrMalformedPayload means the body could not be turned into an Event.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrIgnoredEvent means the callback is valid but carries nothing to act on.
	ErrIgnoredEvent = errors.New("ignored webhook event")
)

// Payload is the raw material a parser works from.
type Payload struct {
	TenantID    string
	Body        []byte
	Form        url.Values // decoded body for form-encoded callbacks
	Query       url.Values
	ContentType string
	ReceivedAt  time.Time
}

// Parser turns one provider's callback into an Event.
type Parser func(Payload) (Event, error)

// Parsers are the built-in callback formats keyed by provider id.
var Parsers = map[string]Parser{
	"twilio":     ParseTwilio,
	"elevenlabs": ParseElevenLabs,
	"vapi":       ParseVapi,
}

// Outcome is what the voice service did with an Event.
type Outcome struct {
	SessionID string

	// Terminal is set when the session is ended or failed, whether by this
	// event or before it arrived.
	Terminal bool

	// NoOp is set when the event targeted an already-terminal session.
	NoOp bool

	// Reply is the agent's synthesized answer to a counterparty turn, if any.
	Reply *Reply
}

// Dispatcher applies events to sessions.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev Event) (Outcome, error)
}
