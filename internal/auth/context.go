package auth

import (
	"context"
	"errors"
)

var errNoIdentity = errors.New("auth: no identity in context")

type identityKey struct{}

// Identity is the verified caller attached to a request.
type Identity struct {
	UserID   string
	TenantID string
	Role     string
}

func WithIdentity(ctx context.Context, userID, tenantID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, TenantID: tenantID, Role: role})
}

// FromContext returns the caller identity set by RequireAccessToken.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := FromContext(ctx); ok && id.UserID != "" {
		return id.UserID, nil
	}
	return "", errors.New("user_id not in context")
}

func TenantID(ctx context.Context) (string, error) {
	if id, ok := FromContext(ctx); ok && id.TenantID != "" {
		return id.TenantID, nil
	}
	return "", errNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if id, ok := FromContext(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", errors.New("role not in context")
}
