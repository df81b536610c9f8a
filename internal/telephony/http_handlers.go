package telephony

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/observe"
	"voice-platform/internal/signature"
	"voice-platform/pkg/logger"
)

// SecretSource resolves a tenant's webhook signing secret for a provider.
type SecretSource interface {
	SigningSecret(tenantID, provider string) (string, bool)
}

// RejectionAuditor records webhooks that failed authentication.
type RejectionAuditor interface {
	WebhookRejected(ctx context.Context, tenantID, provider, reason string) error
}

const defaultMaxWebhookBody = 1 << 20

// WebhookHandler serves POST /webhooks/:provider/:tenant_id.
//
// Order matters: the body is read once, authenticated against the raw bytes,
// and only then parsed. Error bodies never say why a request was refused.
type WebhookHandler struct {
	Verifier   signature.Verifier
	Secrets    SecretSource
	Dispatcher Dispatcher

	// Parsers defaults to the package-level Parsers.
	Parsers map[string]Parser

	// PublicBaseURL (scheme://host) rebuilds the URL the provider signed when
	// running behind a proxy. Empty means use the request's own host.
	PublicBaseURL string

	Auditor      RejectionAuditor
	Metrics      *observe.Metrics
	MaxBodyBytes int64
	Now          func() time.Time
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	providerID := c.Param("provider")
	tenantID := c.Param("tenant_id")

	parsers := h.Parsers
	if parsers == nil {
		parsers = Parsers
	}
	parse, ok := parsers[providerID]
	if !ok || !signature.Supports(providerID) || tenantID == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Dispatcher == nil || h.Secrets == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhooks not configured"})
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := WithClientIP(c.Request.Context(), c.ClientIP())
	contentType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))

	var form url.Values
	if contentType == "application/x-www-form-urlencoded" {
		if form, err = url.ParseQuery(string(body)); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	// A missing secret is passed through as empty; Verify refuses it.
	secret, _ := h.Secrets.SigningSecret(tenantID, providerID)
	publicURL := h.publicURL(c.Request)
	if err := h.Verifier.Verify(signature.Request{
		Provider: providerID,
		Header:   c.Request.Header,
		Body:     body,
		URL:      publicURL,
		Form:     form,
	}, secret); err != nil {
		log.Warn("webhook rejected", "provider", providerID, "tenant_id", tenantID, "err", err)
		h.Metrics.RecordWebhook(ctx, providerID, "rejected")
		if h.Auditor != nil {
			if aerr := h.Auditor.WebhookRejected(ctx, tenantID, providerID, err.Error()); aerr != nil {
				log.Error("audit append failed", "err", aerr)
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	ev, err := parse(Payload{
		TenantID:    tenantID,
		Body:        body,
		Form:        form,
		Query:       c.Request.URL.Query(),
		ContentType: contentType,
		ReceivedAt:  now().UTC(),
	})
	if errors.Is(err, ErrIgnoredEvent) {
		log.Debug("webhook ignored", "provider", providerID, "reason", err)
		h.Metrics.RecordWebhook(ctx, providerID, "ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err != nil {
		log.Warn("webhook parse failed", "provider", providerID, "tenant_id", tenantID, "err", err)
		h.Metrics.RecordWebhook(ctx, providerID, "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	out, err := h.Dispatcher.HandleEvent(ctx, ev)
	if errors.Is(err, ErrMalformedPayload) {
		log.Warn("webhook event rejected", "provider", providerID, "tenant_id", tenantID, "err", err)
		h.Metrics.RecordWebhook(ctx, providerID, "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err != nil {
		log.Error("webhook processing failed", "provider", providerID, "tenant_id", tenantID, "call_id", ev.ProviderCallID, "err", err)
		h.Metrics.RecordWebhook(ctx, providerID, "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	result := "processed"
	if out.NoOp {
		result = "noop"
	}
	h.Metrics.RecordWebhook(ctx, providerID, result)

	if providerID != signature.ProviderTwilio {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	twiml, err := RenderTwiML(out, publicURL)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// publicURL is the absolute URL the provider called, query included.
func (h WebhookHandler) publicURL(r *http.Request) string {
	if h.PublicBaseURL != "" {
		return strings.TrimRight(h.PublicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
