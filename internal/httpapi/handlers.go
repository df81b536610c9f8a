// Package httpapi holds the tenant-facing JSON handlers. Handlers stay thin:
// read the tenant from the verified token, parse input, call a service and map
// its errors to status codes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/pricing"
	"voice-platform/internal/provider"
	"voice-platform/internal/reporting"
	"voice-platform/internal/store"
	"voice-platform/internal/usage"
	"voice-platform/internal/voice"
)

// VoiceService is the slice of voice.Service the API calls.
type VoiceService interface {
	Synthesize(ctx context.Context, req voice.SynthesizeRequest) (voice.SynthesizeResponse, error)
	Transcribe(ctx context.Context, req voice.TranscribeRequest) (voice.TranscribeResponse, error)
	ListVoices(ctx context.Context, tenantID string) ([]provider.Voice, error)
	Clip(ctx context.Context, id string) (voice.Clip, error)
}

type SessionService interface {
	Get(ctx context.Context, id string) (calls.Session, error)
	Terminate(ctx context.Context, id string) (calls.Session, error)
}

type SessionReader interface {
	ListSessions(ctx context.Context, f store.SessionFilter) ([]calls.Session, error)
	ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]usage.Record, error)
}

type Auditor interface {
	SessionTerminated(ctx context.Context, tenantID, sessionID, actorID, actorRole, ip string) error
}

type Handlers struct {
	Voice    VoiceService
	Sessions SessionService
	Reader   SessionReader
	Stats    *reporting.Service
	Rates    *pricing.Table
	Auditor  Auditor

	// MaxAudioBytes bounds /v1/stt request bodies.
	MaxAudioBytes int64

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// tenant returns the caller's tenant or aborts with 401.
func tenant(c *gin.Context) (string, bool) {
	tid, err := auth.TenantID(c.Request.Context())
	if err != nil || tid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return "", false
	}
	return tid, true
}

// ownedSession loads a session and hides other tenants' sessions behind 404.
func (h Handlers) ownedSession(c *gin.Context, tenantID string) (calls.Session, bool) {
	s, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err == nil && s.TenantID != tenantID {
		err = errNotOwned
	}
	if err != nil {
		writeError(c, err)
		return calls.Session{}, false
	}
	return s, true
}
