package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"voice-platform/internal/orchestrator"
	"voice-platform/internal/provider"
	"voice-platform/internal/voice"
)

type synthesizeRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	Language     string  `json:"language"`
	SpeakingRate float64 `json:"speaking_rate"`
	AgentID      string  `json:"agent_id"`
	SessionID    string  `json:"session_id"`
}

type usageView struct {
	Vendor        string          `json:"vendor"`
	Units         int64           `json:"units"`
	UnitKind      string          `json:"unit_kind"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Currency      string          `json:"currency"`
	Attempts      int             `json:"attempts"`
}

func viewOf(o orchestrator.Outcome) usageView {
	return usageView{
		Vendor:        o.Vendor,
		Units:         o.Units,
		UnitKind:      string(o.UnitKind),
		EstimatedCost: o.EstimatedCost,
		Currency:      o.Currency,
		Attempts:      o.Attempts,
	}
}

// Synthesize renders text through the tenant's TTS chain. The audio comes back
// base64 encoded, or raw with ?format=raw.
func (h Handlers) Synthesize(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	resp, err := h.Voice.Synthesize(c.Request.Context(), voice.SynthesizeRequest{
		TenantID:     tenantID,
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		Language:     req.Language,
		SpeakingRate: req.SpeakingRate,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if c.Query("format") == "raw" {
		c.Header("X-Voice-Vendor", resp.Outcome.Vendor)
		c.Header("X-Voice-Estimated-Cost", resp.Outcome.EstimatedCost.String())
		c.Data(http.StatusOK, resp.Result.ContentType, resp.Result.Audio)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audio":        base64.StdEncoding.EncodeToString(resp.Result.Audio),
		"content_type": resp.Result.ContentType,
		"duration_ms":  resp.Result.Duration.Milliseconds(),
		"characters":   resp.Result.Characters,
		"usage":        viewOf(resp.Outcome),
	})
}

type transcribeRequest struct {
	Audio        string `json:"audio"` // base64
	ContentType  string `json:"content_type"`
	LanguageHint string `json:"language_hint"`
	Diarize      bool   `json:"diarize"`
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
}

// Transcribe accepts either a JSON body with base64 audio or the raw audio
// bytes, with options in the query string.
func (h Handlers) Transcribe(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	limit := h.MaxAudioBytes
	if limit <= 0 {
		limit = 25 << 20
	}

	req, err := readTranscribeRequest(c, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	req.TenantID = tenantID

	resp, err := h.Voice.Transcribe(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"text":              resp.Result.Text,
		"language":          resp.Result.Language,
		"segments":          resp.Result.Segments,
		"audio_duration_ms": resp.Result.AudioDuration.Milliseconds(),
		"usage":             viewOf(resp.Outcome),
	})
}

func readTranscribeRequest(c *gin.Context, limit int64) (voice.TranscribeRequest, error) {
	// base64 inflates by 4/3; allow for it plus the JSON envelope.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit*4/3+4096))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return voice.TranscribeRequest{}, &provider.PayloadTooLargeError{Limit: int(limit), Size: int(tooLarge.Limit) + 1}
		}
		return voice.TranscribeRequest{}, fmt.Errorf("%w: read body: %v", voice.ErrInvalidRequest, err)
	}

	ct := c.ContentType()
	if ct == "application/json" {
		var in transcribeRequest
		if err := json.Unmarshal(body, &in); err != nil {
			return voice.TranscribeRequest{}, fmt.Errorf("%w: invalid json", voice.ErrInvalidRequest)
		}
		audio, err := base64.StdEncoding.DecodeString(in.Audio)
		if err != nil {
			return voice.TranscribeRequest{}, fmt.Errorf("%w: audio must be base64", voice.ErrInvalidRequest)
		}
		return voice.TranscribeRequest{
			AgentID:      in.AgentID,
			SessionID:    in.SessionID,
			Audio:        audio,
			ContentType:  in.ContentType,
			LanguageHint: in.LanguageHint,
			Diarize:      in.Diarize,
		}, nil
	}

	diarize := false
	if v := c.Query("diarize"); v != "" {
		if diarize, err = strconv.ParseBool(v); err != nil {
			return voice.TranscribeRequest{}, fmt.Errorf("%w: diarize must be a boolean", voice.ErrInvalidRequest)
		}
	}
	return voice.TranscribeRequest{
		AgentID:      c.Query("agent_id"),
		SessionID:    c.Query("session_id"),
		Audio:        body,
		ContentType:  strings.TrimSpace(c.GetHeader("Content-Type")),
		LanguageHint: c.Query("language"),
		Diarize:      diarize,
	}, nil
}

func (h Handlers) ListVoices(c *gin.Context) {
	tenantID, ok := tenant(c)
	if !ok {
		return
	}
	voices, err := h.Voice.ListVoices(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voices": voices})
}

// Media serves hosted reply clips to the telephony provider. Clip ids are
// unguessable and short-lived, so the route is unauthenticated.
func (h Handlers) Media(c *gin.Context) {
	clip, err := h.Voice.Clip(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "private, max-age=60")
	c.Data(http.StatusOK, clip.ContentType, clip.Audio)
}
