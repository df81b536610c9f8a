package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voice-platform/internal/auth"
	"voice-platform/internal/health"
	"voice-platform/internal/httpapi"
	"voice-platform/internal/rbac"
	"voice-platform/internal/telephony"
)

type routeDeps struct {
	Auth           *auth.Manager
	Health         *health.Handler
	Webhooks       telephony.WebhookHandler
	WebhookLimiter gin.HandlerFunc
	API            httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	d.Health.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks authenticate by signature, not JWT.
	r.POST("/webhooks/:provider/:tenant_id", d.WebhookLimiter, d.Webhooks.Handle)

	// Reply clips fetched by the telephony provider during a call.
	r.GET("/media/:id", d.API.Media)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.Auth), rbac.RequireTenant())
	{
		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.FromContext(c.Request.Context())
			c.JSON(200, gin.H{"user_id": id.UserID, "tenant_id": id.TenantID, "role": id.Role})
		})

		read := v1.Group("")
		read.Use(rbac.RequireRole(rbac.RoleViewer))
		{
			read.GET("/sessions/:id", d.API.GetSession)
			read.GET("/sessions/:id/transcript", d.API.GetTranscript)
			read.GET("/agents/:agent_id/sessions", d.API.ListAgentSessions)
			read.GET("/stats", d.API.SessionStats)
			read.GET("/costs/projection", d.API.CostProjection)
		}

		ops := v1.Group("")
		ops.Use(rbac.RequireRole(rbac.RoleOperator))
		{
			ops.POST("/tts", d.API.Synthesize)
			ops.POST("/stt", d.API.Transcribe)
			ops.GET("/voices", d.API.ListVoices)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireRole(rbac.RoleAdmin))
		{
			admin.POST("/sessions/:id/terminate", d.API.TerminateSession)
		}
	}
}
