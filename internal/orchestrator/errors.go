package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"voice-platform/internal/usage"
)

var (
	ErrNoProviderConfigured = errors.New("no provider configured")
	ErrAllProvidersFailed   = errors.New("all providers failed")
	ErrDeadlineExceeded     = errors.New("deadline exceeded")
)

// AttemptFailure is one failed adapter attempt, in the order attempted.
type AttemptFailure struct {
	Vendor string `json:"vendor"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// AllProvidersFailedError is returned when every adapter in the list failed.
type AllProvidersFailedError struct {
	Capability usage.Capability
	Failures   []AttemptFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Capability, ErrAllProvidersFailed, summarize(e.Failures))
}

func (e *AllProvidersFailedError) Is(target error) bool { return target == ErrAllProvidersFailed }

// DeadlineExceededError is returned when the caller's context ended mid-chain.
// Failures holds the attempts made before the deadline.
type DeadlineExceededError struct {
	Capability usage.Capability
	Failures   []AttemptFailure
	Err        error
}

func (e *DeadlineExceededError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%s: %s", e.Capability, ErrDeadlineExceeded)
	}
	return fmt.Sprintf("%s: %s after %s", e.Capability, ErrDeadlineExceeded, summarize(e.Failures))
}

func (e *DeadlineExceededError) Is(target error) bool { return target == ErrDeadlineExceeded }
func (e *DeadlineExceededError) Unwrap() error        { return e.Err }

func summarize(fs []AttemptFailure) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		parts = append(parts, f.Vendor+": "+f.Reason)
	}
	return strings.Join(parts, "; ")
}
