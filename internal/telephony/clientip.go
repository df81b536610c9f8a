package telephony

import (
	"context"
)

// clientIPKey is an unexported context key for passing client IP through internal layers.
//
// The webhook handler resolves the real client IP (Gin's trusted-proxy aware
// ClientIP) and attaches it with WithClientIP; audit reads it back.
type clientIPKey struct{}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	v := ctx.Value(clientIPKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
