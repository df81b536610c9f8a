package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/pricing"
	"voice-platform/internal/reporting"
	"voice-platform/internal/store"
	"voice-platform/internal/telephony"
	"voice-platform/internal/usage"
	"voice-platform/internal/voice"
	"voice-platform/pkg/logger"
)

func (h Handlers) GetSession(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	s, ok := h.ownedSession(c, tenantID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionView{Session: s, Stats: s.Stats()})
}

// sessionView is a session plus its derived stats.
type sessionView struct {
	calls.Session
	Stats calls.Stats `json:"stats"`
}

// GetTranscript returns the session as "speaker: text" lines, the form
// downstream consumers (summaries, CRM notes) take.
func (h Handlers) GetTranscript(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	s, ok := h.ownedSession(c, tenantID)
	if !ok {
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, s.Transcript())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.ID,
		"state":      s.State,
		"turns":      len(s.Turns),
		"transcript": s.Transcript(),
		"stats":      s.Stats(),
	})
}

func (h Handlers) ListAgentSessions(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	f := store.SessionFilter{TenantID: tenantID, AgentID: c.Param("agent_id")}

	if v := c.Query("state"); v != "" {
		f.State = calls.State(v)
		if !f.State.Valid() {
			writeError(c, fmt.Errorf("%w: unknown state %q", voice.ErrInvalidRequest, v))
			return
		}
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		writeError(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		writeError(c, err)
		return
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit <= 0 {
			writeError(c, fmt.Errorf("%w: limit must be a positive integer", voice.ErrInvalidRequest))
			return
		}
	}

	sessions, err := h.Reader.ListSessions(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// SessionStats defaults to the last 24 hours.
func (h Handlers) SessionStats(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	now := h.now().UTC()
	rng := reporting.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if t, err := queryTime(c, "from"); err != nil {
		writeError(c, err)
		return
	} else if !t.IsZero() {
		rng.From = t
	}
	if t, err := queryTime(c, "to"); err != nil {
		writeError(c, err)
		return
	} else if !t.IsZero() {
		rng.To = t
	}

	out, err := h.Stats.SessionStats(c.Request.Context(), reporting.SessionStatsRequest{
		TenantID: tenantID,
		AgentID:  c.Query("agent_id"),
		Range:    rng,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CostProjection prices a month of volume for one vendor. Without ?units the
// tenant's own successful usage over the window is projected.
func (h Handlers) CostProjection(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	vendor := c.Query("vendor")
	capability := usage.Capability(c.Query("capability"))
	window := 7 * 24 * time.Hour
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(c, fmt.Errorf("%w: window must be a positive duration", voice.ErrInvalidRequest))
			return
		}
		window = d
	}
	if vendor == "" || !capability.Valid() {
		writeError(c, fmt.Errorf("%w: vendor and capability (tts|stt) are required", voice.ErrInvalidRequest))
		return
	}

	var units int64
	if v := c.Query("units"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(c, fmt.Errorf("%w: units must be a non-negative integer", voice.ErrInvalidRequest))
			return
		}
		units = n
	} else {
		now := h.now()
		recs, err := h.Reader.ListUsage(c.Request.Context(), tenantID, now.Add(-window), now)
		if err != nil {
			writeError(c, err)
			return
		}
		for _, r := range recs {
			if r.Vendor == vendor && r.Capability == capability && r.Outcome == usage.OutcomeSuccess {
				units += r.Units
			}
		}
	}

	proj, err := h.Rates.ProjectMonthly(vendor, capability, units, window)
	switch {
	case errors.Is(err, pricing.ErrRateNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no rate for vendor and capability"})
		return
	case err != nil:
		writeError(c, fmt.Errorf("%w: %v", voice.ErrInvalidRequest, err))
		return
	}
	c.JSON(http.StatusOK, proj)
}

// TerminateSession force-closes a live session. Terminal sessions answer 409.
func (h Handlers) TerminateSession(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, ok := h.ownedSession(c, tenantID); !ok {
		return
	}
	s, err := h.Sessions.Terminate(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if h.Auditor != nil {
		id, _ := auth.FromContext(ctx)
		ip := telephony.ClientIPFromContext(ctx)
		if ip == "" {
			ip = c.ClientIP()
		}
		if err := h.Auditor.SessionTerminated(ctx, tenantID, s.ID, id.UserID, id.Role, ip); err != nil {
			logger.FromGin(c).Warn("audit append failed", "session_id", s.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, s)
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", voice.ErrInvalidRequest, key)
	}
	return t, nil
}
