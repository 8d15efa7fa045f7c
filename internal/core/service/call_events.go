package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/rs/zerolog/log"
)

func (s *CallService) handlers() map[domain.Event]func(domain.Envelope) {
	return map[domain.Event]func(domain.Envelope){
		domain.EventIncomingCall:            s.onIncomingCall,
		domain.EventCallAnswered:            s.onCallAnswered,
		domain.EventFoundICECandidate:       s.onCandidate,
		domain.EventUserBusy:                s.onUserBusy,
		domain.EventCallTimeout:             s.onCallTimeout,
		domain.EventCallEnded:               s.onCallEnded,
		domain.EventParticipantDisconnected: s.onParticipantDisconnected,
		domain.EventMediaControlChange:      s.onMediaControlChange,
		domain.EventRenegotiationOffer:      s.onRenegotiationOffer,
		domain.EventRenegotiationAnswer:     s.onRenegotiationAnswer,
	}
}

// subscribe registers one handler per event for the lifetime of the
// service. Handlers only enqueue; the live call is read on the loop.
func (s *CallService) subscribe() {
	for event, h := range s.handlers() {
		s.signaling.On(event, func(env domain.Envelope) {
			s.enqueue(func() { h(env) })
		})
	}
}

func (s *CallService) unsubscribe() {
	for event := range s.handlers() {
		s.signaling.Off(event)
	}
}

func decode(env domain.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed signal")
		return false
	}
	return true
}

// current returns the live call if the signal belongs to it.
func (s *CallService) current(event domain.Event, route domain.Route) *activeCall {
	c := s.call
	if c == nil || !c.owns(route.From, route.CallID) {
		log.Debug().
			Str("event", string(event)).
			Str("from", route.From.String()).
			Str("call_id", route.CallID.String()).
			Msg("Discarding signal for another call")
		return nil
	}
	return c
}

func (s *CallService) onIncomingCall(env domain.Envelope) {
	var p domain.CallOffer
	if !decode(env, &p) {
		return
	}
	l := log.With().Str("call_id", p.CallID.String()).Str("peer", p.From.String()).Logger()

	if c := s.call; c != nil {
		if c.id == p.CallID && c.peer == p.From {
			return
		}
		l.Info().Str("state", string(c.state)).Msg("Busy, refusing incoming call")
		if err := s.signaling.Send(context.Background(), domain.EventUserBusyReply, domain.Route{To: p.From, CallID: p.CallID}); err != nil {
			l.Warn().Err(err).Msg("Failed to send busy reply")
		}
		return
	}

	callType := p.CallType
	if !callType.Valid() {
		callType = p.Type
	}
	if !callType.Valid() {
		l.Warn().Str("call_type", string(p.CallType)).Msg("Unknown call type, treating as audio")
		callType = domain.CallTypeAudio
	}

	c := s.newCall(p.CallID, p.From, domain.CallIncoming, callType)
	c.offer = p.Offer
	c.remote = domain.ControlsFor(callType)
	if p.Controls != nil {
		c.remote = *p.Controls
	}
	if err := s.openSession(c, true); err != nil {
		s.failInitiation(c, err, "", true)
		return
	}
	c.log.Info().Str("call_type", string(callType)).Msg("Incoming call")
	s.changed(c)
}

func (s *CallService) onCallAnswered(env domain.Envelope) {
	var p domain.CallAnswer
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p.Route)
	if c == nil {
		s.rejectLateAnswer(p.Route)
		return
	}
	if c.state != domain.CallCalling {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if err := c.session.ApplyRemoteAnswer(c.ctx, p.Answer); err != nil {
		s.failInitiation(c, err, "", true)
		return
	}
	c.remote = domain.ControlsFor(c.callType)
	if p.Controls != nil {
		c.remote = *p.Controls
	}
	c.state = domain.CallOngoing
	c.log.Info().Msg("Call answered")
	s.changed(c)
	s.notifier.LocalControlsChanged(c.local)
	s.notifier.RemoteControlsChanged(c.remote)
}

func (s *CallService) onCandidate(env domain.Envelope) {
	var p domain.CandidateSignal
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p.Route)
	if c == nil {
		return
	}
	if err := c.session.ApplyRemoteCandidate(c.ctx, p.ICECandidate); err != nil {
		c.log.Warn().Err(err).Msg("Failed to apply remote candidate")
	}
}

func (s *CallService) onUserBusy(env domain.Envelope) {
	var p domain.Route
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p)
	if c == nil || c.state != domain.CallCalling {
		return
	}
	c.log.Info().Msg("Peer is busy")
	s.teardown()
	s.notifier.Notice(domain.NoticeWarning, fmt.Sprintf("%s is on another call", c.peer))
}

func (s *CallService) onCallTimeout(env domain.Envelope) {
	var p domain.Route
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p)
	if c == nil {
		return
	}
	msg := "Call ended"
	if c.state == domain.CallIncoming {
		msg = fmt.Sprintf("Missed call from %s", c.peer)
	}
	c.log.Info().Str("state", string(c.state)).Msg("Caller gave up")
	s.teardown()
	s.notifier.Notice(domain.NoticeInfo, msg)
}

// rejectLateAnswer hangs up on a callee that accepted after our answer
// timer fired, so it does not sit in a call nobody is on.
func (s *CallService) rejectLateAnswer(route domain.Route) {
	e := s.expired
	if e.To == "" || route.From != e.To || (route.CallID != "" && route.CallID != e.CallID) {
		return
	}
	s.expired = domain.Route{}
	log.Info().Str("peer", e.To.String()).Str("call_id", e.CallID.String()).Msg("Answer arrived after timeout, hanging up")
	if err := s.signaling.Send(context.Background(), domain.EventCallEnded, e); err != nil {
		log.Warn().Err(err).Msg("Failed to hang up late answer")
	}
}

func (s *CallService) onCallEnded(env domain.Envelope) {
	var p domain.Route
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p)
	if c == nil {
		return
	}
	msg := "Call ended"
	switch c.state {
	case domain.CallCalling:
		msg = fmt.Sprintf("%s declined the call", c.peer)
	case domain.CallIncoming:
		msg = fmt.Sprintf("Missed call from %s", c.peer)
	}
	c.log.Info().Str("state", string(c.state)).Msg("Peer ended the call")
	s.teardown()
	s.notifier.Notice(domain.NoticeInfo, msg)
}

func (s *CallService) onParticipantDisconnected(env domain.Envelope) {
	var p domain.DisconnectSignal
	if !decode(env, &p) {
		return
	}
	c := s.call
	if c == nil || p.UserID != c.peer {
		return
	}
	c.log.Info().Msg("Peer disconnected")
	s.teardown()
	s.notifier.Notice(domain.NoticeWarning, fmt.Sprintf("%s disconnected", c.peer))
}

func (s *CallService) onMediaControlChange(env domain.Envelope) {
	var p domain.MediaControlSignal
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p.Route)
	if c == nil {
		return
	}
	c.remote = c.remote.With(p.ControlType, p.Enabled)
	c.log.Debug().Str("control", string(p.ControlType)).Bool("enabled", p.Enabled).Msg("Remote media control changed")
	s.publish()
	s.notifier.RemoteControlsChanged(c.remote)
}

func (s *CallService) onRenegotiationOffer(env domain.Envelope) {
	var p domain.RenegotiationSignal
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p.Route)
	if c == nil {
		return
	}
	if err := c.session.HandleRenegotiationOffer(c.ctx, p.Offer); err != nil {
		c.log.Warn().Err(err).Msg("Ignoring renegotiation offer")
	}
}

func (s *CallService) onRenegotiationAnswer(env domain.Envelope) {
	var p domain.RenegotiationSignal
	if !decode(env, &p) {
		return
	}
	c := s.current(env.Event, p.Route)
	if c == nil {
		return
	}
	if err := c.session.ApplyRemoteAnswer(c.ctx, p.Answer); err != nil {
		c.log.Warn().Err(err).Msg("Ignoring renegotiation answer")
	}
}

func (s *CallService) answerTimeout(gen uint64) {
	c := s.call
	if c == nil || c.gen != gen || c.state != domain.CallCalling {
		return
	}
	c.log.Info().Dur("timeout", s.opts.AnswerTimeout).Msg("No answer")
	s.send(c, domain.EventCallTimeout, c.route())
	s.expired = c.route()
	s.teardown()
	s.notifier.Notice(domain.NoticeWarning, fmt.Sprintf("%s did not answer", c.peer))
}

func (s *CallService) remoteStream(gen uint64, rs port.RemoteStream) {
	c := s.call
	if c == nil || c.gen != gen {
		return
	}
	c.stream = &rs
	s.notifier.RemoteStream(c.stream)
	for _, sink := range s.sinks {
		sink.AttachRemote(c.stream)
	}
}

func (s *CallService) connectionFailed(gen uint64, err error) {
	c := s.call
	if c == nil || c.gen != gen {
		return
	}
	c.log.Error().Err(err).Msg("Peer connection failed")
	s.send(c, domain.EventCallEnded, c.route())
	s.teardown()
	s.notifier.CallError(domain.KindNoActiveConnection, "Connection to the other side was lost.")
}
