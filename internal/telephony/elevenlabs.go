package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"voice-platform/internal/calls"
)

type elevenLabsWebhook struct {
	Type           string `json:"type"`
	EventTimestamp int64  `json:"event_timestamp"`
	Data           struct {
		AgentID        string `json:"agent_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		Transcript     []struct {
			Role           string  `json:"role"`
			Message        *string `json:"message"`
			TimeInCallSecs float64 `json:"time_in_call_secs"`
		} `json:"transcript"`
		Metadata struct {
			StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
			CallDurationSecs  int64 `json:"call_duration_secs"`
		} `json:"metadata"`
	} `json:"data"`
}

// ParseElevenLabs reads a conversational-AI post-call webhook. The whole
// transcript arrives at once, together with the completion.
func ParseElevenLabs(p Payload) (Event, error) {
	var w elevenLabsWebhook
	if err := json.Unmarshal(p.Body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.Type != "post_call_transcription" {
		return Event{}, fmt.Errorf("%w: type %q", ErrIgnoredEvent, w.Type)
	}
	d := w.Data
	if d.AgentID == "" || d.ConversationID == "" {
		return Event{}, fmt.Errorf("%w: agent_id and conversation_id required", ErrMalformedPayload)
	}

	at := p.ReceivedAt
	if w.EventTimestamp > 0 {
		at = time.Unix(w.EventTimestamp, 0).UTC()
	}
	start := at
	if d.Metadata.StartTimeUnixSecs > 0 {
		start = time.Unix(d.Metadata.StartTimeUnixSecs, 0).UTC()
	}

	ev := Event{
		Provider:       "elevenlabs",
		TenantID:       p.TenantID,
		AgentID:        d.AgentID,
		ProviderCallID: d.ConversationID,
		Direction:      calls.DirectionInbound,
		Status:         StatusEnded,
		OccurredAt:     at,
	}
	if d.Status == "failed" {
		ev.Status = StatusFailed
	}

	for i, t := range d.Transcript {
		speaker, ok := elevenLabsSpeaker(t.Role)
		if !ok {
			return Event{}, fmt.Errorf("%w: transcript[%d] role %q", ErrMalformedPayload, i, t.Role)
		}
		if t.Message == nil || strings.TrimSpace(*t.Message) == "" {
			// Tool calls and silences come through without a message.
			continue
		}
		ev.Turns = append(ev.Turns, TurnEvent{
			Speaker: speaker,
			Text:    calls.Text(*t.Message),
			At:      start.Add(time.Duration(t.TimeInCallSecs * float64(time.Second))),
		})
	}
	return ev, nil
}

func elevenLabsSpeaker(role string) (calls.Speaker, bool) {
	switch role {
	case "agent":
		return calls.SpeakerAgent, true
	case "user":
		return calls.SpeakerCounterparty, true
	}
	return "", false
}
