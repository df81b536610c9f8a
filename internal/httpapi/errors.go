package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/orchestrator"
	"voice-platform/internal/provider"
	"voice-platform/internal/reporting"
	"voice-platform/internal/session"
	"voice-platform/internal/store"
	"voice-platform/internal/voice"
	"voice-platform/pkg/logger"
)

var errNotOwned = errors.New("session belongs to another tenant")

// writeError maps service errors to status codes. 5xx bodies carry no detail.
func writeError(c *gin.Context, err error) {
	var (
		allFailed *orchestrator.AllProvidersFailedError
		deadline  *orchestrator.DeadlineExceededError
	)
	switch {
	case errors.As(err, &allFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "all providers failed", "failures": allFailed.Failures})
	case errors.As(err, &deadline):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "deadline exceeded", "failures": deadline.Failures})
	case errors.Is(err, orchestrator.ErrDeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "deadline exceeded"})
	case errors.Is(err, provider.ErrPayloadTooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, voice.ErrInvalidRequest),
		errors.Is(err, provider.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, voice.ErrClipNotFound),
		errors.Is(err, errNotOwned):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, session.ErrSessionTerminal):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session is already closed"})
	case errors.Is(err, orchestrator.ErrNoProviderConfigured), errors.Is(err, voice.ErrProviderConfig):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, voice.ErrTooManyRequests):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent requests"})
	default:
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
