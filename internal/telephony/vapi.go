package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voice-platform/internal/calls"
)

type vapiWebhook struct {
	Message struct {
		Type           string  `json:"type"`
		Status         string  `json:"status"`
		Role           string  `json:"role"`
		TranscriptType string  `json:"transcriptType"`
		Transcript     string  `json:"transcript"`
		EndedReason    string  `json:"endedReason"`
		Timestamp      float64 `json:"timestamp"` // unix millis
		Call           struct {
			ID          string `json:"id"`
			AssistantID string `json:"assistantId"`
			Type        string `json:"type"`
		} `json:"call"`
	} `json:"message"`
}

// ParseVapi reads a Vapi server-URL message: status-update, final
// transcript fragments and the end-of-call report. Other types are ignored.
func ParseVapi(p Payload) (Event, error) {
	var w vapiWebhook
	if err := json.Unmarshal(p.Body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	m := w.Message
	switch m.Type {
	case "status-update", "transcript", "end-of-call-report":
	case "":
		return Event{}, fmt.Errorf("%w: message.type missing", ErrMalformedPayload)
	default:
		return Event{}, fmt.Errorf("%w: type %q", ErrIgnoredEvent, m.Type)
	}

	agentID := strings.TrimSpace(p.Query.Get("agent_id"))
	if agentID == "" {
		agentID = m.Call.AssistantID
	}
	if m.Call.ID == "" || agentID == "" {
		return Event{}, fmt.Errorf("%w: call.id and assistant required", ErrMalformedPayload)
	}

	at := p.ReceivedAt
	if m.Timestamp > 0 {
		at = time.UnixMilli(int64(m.Timestamp)).UTC()
	}
	ev := Event{
		Provider:       "vapi",
		TenantID:       p.TenantID,
		AgentID:        agentID,
		ProviderCallID: m.Call.ID,
		Direction:      calls.DirectionInbound,
		OccurredAt:     at,
	}
	if strings.HasPrefix(m.Call.Type, "outbound") {
		ev.Direction = calls.DirectionOutbound
	}

	switch m.Type {
	case "status-update":
		switch m.Status {
		case "queued", "ringing":
			ev.Status = StatusStarted
		case "in-progress":
			ev.Status = StatusConnected
		case "ended":
			ev.Status = vapiEndStatus(m.EndedReason)
		default:
			return Event{}, fmt.Errorf("%w: status %q", ErrIgnoredEvent, m.Status)
		}
	case "transcript":
		if m.TranscriptType != "final" {
			return Event{}, fmt.Errorf("%w: partial transcript", ErrIgnoredEvent)
		}
		speaker := calls.SpeakerCounterparty
		switch m.Role {
		case "assistant", "bot":
			speaker = calls.SpeakerAgent
		case "user":
		default:
			return Event{}, fmt.Errorf("%w: role %q", ErrMalformedPayload, m.Role)
		}
		if strings.TrimSpace(m.Transcript) == "" {
			return Event{}, fmt.Errorf("%w: empty transcript", ErrIgnoredEvent)
		}
		ev.Turns = []TurnEvent{{Speaker: speaker, Text: calls.Text(m.Transcript), At: at}}
	case "end-of-call-report":
		ev.Status = vapiEndStatus(m.EndedReason)
	}
	return ev, nil
}

func vapiEndStatus(reason string) Status {
	r := strings.ToLower(reason)
	if strings.Contains(r, "error") || strings.Contains(r, "failed") {
		return StatusFailed
	}
	return StatusEnded
}
