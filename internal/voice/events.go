package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voice-platform/internal/calls"
	"voice-platform/internal/provider"
	"voice-platform/internal/session"
	"voice-platform/internal/telephony"
	"voice-platform/pkg/logger"
)

// ResponderInput is the conversation so far, handed to the agent logic.
type ResponderInput struct {
	Session    calls.Session
	Transcript string
	Provider   string
}

// Response is the agent's next utterance. Empty Text means stay silent;
// Hangup ends the call after speaking.
type Response struct {
	Text     string
	VoiceID  string
	Language string
	Hangup   bool
}

// Responder is the external agent logic that decides what to say next.
type Responder interface {
	Respond(ctx context.Context, in ResponderInput) (Response, error)
}

type ResponderFunc func(ctx context.Context, in ResponderInput) (Response, error)

func (f ResponderFunc) Respond(ctx context.Context, in ResponderInput) (Response, error) {
	return f(ctx, in)
}

// HandleEvent applies a normalized provider callback to its session:
// open or find the session, connect, append turns, reply, then close.
// Events that land on an already-terminal session are reported as no-ops.
func (s *Service) HandleEvent(ctx context.Context, ev telephony.Event) (telephony.Outcome, error) {
	log := logger.From(ctx).With("provider", ev.Provider, "tenant_id", ev.TenantID, "call_id", ev.ProviderCallID)

	sess, err := s.sessionFor(ctx, ev)
	var te *session.TerminalError
	switch {
	case errors.As(err, &te):
		log.Info("event for closed call ignored", "session_id", te.SessionID, "state", te.State, "status", ev.Status)
		return telephony.Outcome{SessionID: te.SessionID, Terminal: true, NoOp: true}, nil
	case errors.Is(err, session.ErrNotFound):
		log.Info("closing event for untracked call ignored", "status", ev.Status)
		return telephony.Outcome{Terminal: true, NoOp: true}, nil
	case errors.Is(err, session.ErrInvalidRequest):
		return telephony.Outcome{}, fmt.Errorf("%w: %v", telephony.ErrMalformedPayload, err)
	case err != nil:
		return telephony.Outcome{}, err
	}

	out := telephony.Outcome{SessionID: sess.ID}
	terminal := func(err error) bool {
		if errors.Is(err, session.ErrSessionTerminal) {
			log.Info("event for terminal session ignored", "session_id", sess.ID)
			out.Terminal, out.NoOp = true, true
			return true
		}
		return false
	}

	if ev.Status == telephony.StatusConnected {
		if _, err := s.d.Sessions.Connect(ctx, sess.ID); err != nil {
			if terminal(err) {
				return out, nil
			}
			return telephony.Outcome{}, err
		}
	}

	awaitingReply := false
	for _, t := range ev.Turns {
		if _, err := s.d.Sessions.AppendTurn(ctx, sess.ID, session.TurnInput{
			Speaker:  t.Speaker,
			Text:     t.Text,
			AudioRef: t.AudioRef,
			At:       t.At,
		}); err != nil {
			if terminal(err) {
				return out, nil
			}
			if errors.Is(err, session.ErrInvalidTurn) {
				return telephony.Outcome{}, fmt.Errorf("%w: %v", telephony.ErrMalformedPayload, err)
			}
			return telephony.Outcome{}, err
		}
		awaitingReply = t.Speaker == calls.SpeakerCounterparty && t.Text != nil
	}

	hangup := false
	if awaitingReply && !ev.Status.Terminal() && s.d.Responder != nil {
		out.Reply, hangup = s.respond(ctx, sess, ev.Provider)
	}

	switch {
	case ev.Status == telephony.StatusFailed:
		_, err = s.d.Sessions.Fail(ctx, sess.ID, calls.EndReasonProviderFailed)
	case ev.Status == telephony.StatusEnded, hangup:
		_, err = s.d.Sessions.End(ctx, sess.ID, calls.EndReasonCompleted)
	default:
		return out, nil
	}
	if err != nil && !terminal(err) {
		return telephony.Outcome{}, err
	}
	out.Terminal = true
	return out, nil
}

// sessionFor opens the call's session, except for a bare closing status,
// which must not resurrect a call that is already over.
func (s *Service) sessionFor(ctx context.Context, ev telephony.Event) (calls.Session, error) {
	if ev.Status.Terminal() && len(ev.Turns) == 0 {
		return s.d.Sessions.Lookup(ctx, ev.AgentID, ev.ProviderCallID)
	}
	sess, _, err := s.d.Sessions.Resume(ctx, session.OpenRequest{
		TenantID:       ev.TenantID,
		AgentID:        ev.AgentID,
		Provider:       ev.Provider,
		ProviderCallID: ev.ProviderCallID,
		Direction:      ev.Direction,
	})
	return sess, err
}

// respond asks the agent logic for the next line, synthesizes it and records
// it as an agent turn. Failures degrade to the provider's own speech or to
// silence; they never fail the webhook.
func (s *Service) respond(ctx context.Context, sess calls.Session, providerID string) (*telephony.Reply, bool) {
	log := logger.From(ctx).With("session_id", sess.ID)

	current, err := s.d.Sessions.Get(ctx, sess.ID)
	if err != nil {
		log.Warn("responder skipped", "err", err)
		return nil, false
	}
	resp, err := s.d.Responder.Respond(ctx, ResponderInput{
		Session:    current,
		Transcript: current.Transcript(),
		Provider:   providerID,
	})
	if err != nil {
		log.Warn("responder failed", "err", err)
		return nil, false
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, resp.Hangup
	}

	reply := &telephony.Reply{Text: resp.Text, Voice: resp.VoiceID, Language: resp.Language}
	var audioRef string

	synth, err := s.Synthesize(ctx, SynthesizeRequest{
		TenantID:  sess.TenantID,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Text:      resp.Text,
		VoiceID:   resp.VoiceID,
		Language:  resp.Language,
	})
	switch {
	case err != nil:
		log.Warn("reply synthesis failed, falling back to provider speech", "err", err)
	case synth.Outcome.Vendor == provider.VendorTwilio:
		// Already <Say>; nothing to host.
	case s.d.Clips != nil && s.d.MediaBaseURL != "":
		id, err := s.d.Clips.Put(ctx, Clip{Audio: synth.Result.Audio, ContentType: synth.Result.ContentType})
		if err != nil {
			log.Warn("reply clip store failed", "err", err)
			break
		}
		reply.AudioURL = strings.TrimRight(s.d.MediaBaseURL, "/") + "/" + id
		audioRef = "clip:" + id
	}

	if _, err := s.d.Sessions.AppendTurn(ctx, sess.ID, session.TurnInput{
		Speaker:  calls.SpeakerAgent,
		Text:     calls.Text(resp.Text),
		AudioRef: audioRef,
	}); err != nil {
		log.Warn("reply turn not recorded", "err", err)
		return nil, false
	}
	return reply, resp.Hangup
}

// Clip returns hosted reply audio by id.
func (s *Service) Clip(ctx context.Context, id string) (Clip, error) {
	if s.d.Clips == nil {
		return Clip{}, ErrClipNotFound
	}
	return s.d.Clips.Get(ctx, id)
}
