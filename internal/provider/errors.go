package provider

import (
	"errors"
	"fmt"

	"voice-platform/internal/usage"
)

// ErrorKind classifies a vendor failure.
type ErrorKind string

const (
	KindHTTP      ErrorKind = "http"      // vendor answered with status >= 400
	KindTimeout   ErrorKind = "timeout"   // attempt deadline hit before a response
	KindTransport ErrorKind = "transport" // connection-level failure
	KindMalformed ErrorKind = "malformed" // response body could not be decoded
)

// ProviderError is a vendor-side failure. The orchestrator moves to the next
// adapter on any ProviderError.
type ProviderError struct {
	Vendor     string
	Capability usage.Capability
	Kind       ErrorKind

	// StatusCode and Message carry the vendor's own status and text for KindHTTP.
	StatusCode int
	Message    string

	Err error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Kind == KindHTTP:
		return fmt.Sprintf("%s %s: http %d: %s", e.Vendor, e.Capability, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Vendor, e.Capability, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s %s: %s: %s", e.Vendor, e.Capability, e.Kind, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Throttled reports a vendor-side rate limit.
func (e *ProviderError) Throttled() bool { return e.Kind == KindHTTP && e.StatusCode == 429 }

var (
	// ErrPayloadTooLarge is matched by *PayloadTooLargeError.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidRequest marks requests no vendor could serve (e.g. empty text).
	ErrInvalidRequest = errors.New("invalid request")
)

// PayloadTooLargeError is returned before any network call when input exceeds
// the vendor's documented maximum.
type PayloadTooLargeError struct {
	Vendor string
	Limit  int
	Size   int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s: payload too large: %d > %d", e.Vendor, e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool { return target == ErrPayloadTooLarge }

func checkText(vendor, text string, limit int) error {
	if text == "" {
		return fmt.Errorf("%s: %w: text is required", vendor, ErrInvalidRequest)
	}
	// Vendors count characters, not bytes.
	n := len([]rune(text))
	if limit > 0 && n > limit {
		return &PayloadTooLargeError{Vendor: vendor, Limit: limit, Size: n}
	}
	return nil
}
