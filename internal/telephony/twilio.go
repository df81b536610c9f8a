package telephony

import (
	"fmt"
	"strings"
	"time"

	"voice-platform/internal/calls"
)

// ParseTwilio reads a Twilio voice status or Gather callback
// (application/x-www-form-urlencoded).
// Ref: https://www.twilio.com/docs/voice/twiml
//
// The agent id comes from the agent_id query parameter configured on the
// callback URL, falling back to the dialed number.
func ParseTwilio(p Payload) (Event, error) {
	f := p.Form
	callSid := strings.TrimSpace(f.Get("CallSid"))
	if callSid == "" {
		return Event{}, fmt.Errorf("%w: CallSid missing", ErrMalformedPayload)
	}

	agentID := strings.TrimSpace(p.Query.Get("agent_id"))
	if agentID == "" {
		agentID = normalizePhone(f.Get("To"))
	}
	if agentID == "" {
		return Event{}, fmt.Errorf("%w: agent_id missing", ErrMalformedPayload)
	}

	at := p.ReceivedAt
	if ts := f.Get("Timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC1123Z, ts); err == nil {
			at = parsed.UTC()
		}
	}

	ev := Event{
		Provider:       "twilio",
		TenantID:       p.TenantID,
		AgentID:        agentID,
		ProviderCallID: callSid,
		Direction:      twilioDirection(f.Get("Direction")),
		Status:         twilioStatus(f.Get("CallStatus")),
		OccurredAt:     at,
	}

	// A Gather callback carries what the caller said; a Record callback only the audio.
	if speech := strings.TrimSpace(f.Get("SpeechResult")); speech != "" {
		ev.Turns = append(ev.Turns, TurnEvent{Speaker: calls.SpeakerCounterparty, Text: calls.Text(speech), At: at})
	} else if rec := f.Get("RecordingUrl"); rec != "" {
		ev.Turns = append(ev.Turns, TurnEvent{Speaker: calls.SpeakerCounterparty, AudioRef: rec, At: at})
	}
	return ev, nil
}

func twilioStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated", "ringing":
		return StatusStarted
	case "in-progress", "answered":
		return StatusConnected
	case "completed":
		return StatusEnded
	case "busy", "failed", "no-answer", "canceled":
		return StatusFailed
	default:
		return StatusNone
	}
}

func twilioDirection(s string) calls.Direction {
	if strings.HasPrefix(strings.ToLower(s), "outbound") {
		return calls.DirectionOutbound
	}
	return calls.DirectionInbound
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}
