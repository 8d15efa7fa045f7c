package main

import (
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/rs/zerolog"
)

// logNotifier prints call notifications in place of a UI.
type logNotifier struct {
	log zerolog.Logger
}

func (n *logNotifier) CallStateChanged(snap domain.CallSnapshot) {
	n.log.Info().
		Str("state", string(snap.State)).
		Str("call_id", snap.CallID.String()).
		Str("peer", snap.Peer.String()).
		Str("type", string(snap.CallType)).
		Msg("Call state")
}

func (n *logNotifier) LocalControlsChanged(c domain.MediaControls) {
	n.log.Debug().Interface("controls", c).Msg("Local controls")
}

func (n *logNotifier) RemoteControlsChanged(c domain.MediaControls) {
	n.log.Debug().Interface("controls", c).Msg("Remote controls")
}

func (n *logNotifier) CallUpgraded(snap domain.CallSnapshot) {
	n.log.Info().Str("peer", snap.Peer.String()).Msg("Call upgraded to video")
}

func (n *logNotifier) CallError(kind domain.ErrorKind, msg string) {
	n.log.Error().Str("kind", string(kind)).Msg(msg)
}

func (n *logNotifier) Notice(level domain.NoticeLevel, msg string) {
	switch level {
	case domain.NoticeError:
		n.log.Error().Msg(msg)
	case domain.NoticeWarning:
		n.log.Warn().Msg(msg)
	default:
		n.log.Info().Msg(msg)
	}
}

func (n *logNotifier) RemoteStream(s *port.RemoteStream) {
	if s == nil {
		n.log.Debug().Msg("Remote stream gone")
		return
	}
	n.log.Info().Str("stream", s.StreamID).Bool("camera", s.Camera).Bool("microphone", s.Microphone).Msg("Remote stream")
}

// logSink stands in for the preview and remote view.
type logSink struct {
	log zerolog.Logger
}

func (s *logSink) AttachLocal(tracks []port.LocalTrack) {
	for _, t := range tracks {
		s.log.Debug().Str("track", t.ID()).Str("source", string(t.Source())).Bool("enabled", t.Enabled()).Msg("Local preview")
	}
}

func (s *logSink) AttachRemote(rs *port.RemoteStream) {
	s.log.Debug().Str("stream", rs.StreamID).Msg("Remote view")
}

func (s *logSink) Detach() {
	s.log.Debug().Msg("Views detached")
}
