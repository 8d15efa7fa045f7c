package port

import "github.com/Wyydra/ya/internal/core/domain"

// Notifier receives the call core's UI-facing notifications. Calls happen on
// the call loop goroutine, after the state they describe is committed.
type Notifier interface {
	CallStateChanged(snap domain.CallSnapshot)
	LocalControlsChanged(c domain.MediaControls)
	RemoteControlsChanged(c domain.MediaControls)
	CallUpgraded(snap domain.CallSnapshot)
	CallError(kind domain.ErrorKind, msg string)
	Notice(level domain.NoticeLevel, msg string)
	RemoteStream(s *RemoteStream)
}

// StreamSink renders the local preview and the remote view of a call.
type StreamSink interface {
	AttachLocal(tracks []LocalTrack)
	AttachRemote(s *RemoteStream)
	Detach()
}
