package session

import (
	"errors"
	"fmt"

	"voice-platform/internal/calls"
)

var (
	// ErrSessionTerminal matches any event aimed at an ended or failed session.
	ErrSessionTerminal = errors.New("session is terminal")

	ErrNotFound       = errors.New("session not found")
	ErrInvalidRequest = errors.New("invalid session request")
	ErrInvalidTurn    = errors.New("invalid turn")
)

// TerminalError reports the state a session was already in.
type TerminalError struct {
	SessionID string
	State     calls.State
}

func (e *TerminalError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("session %s is terminal", e.SessionID)
	}
	return fmt.Sprintf("session %s is %s", e.SessionID, e.State)
}

func (e *TerminalError) Is(target error) bool { return target == ErrSessionTerminal }
