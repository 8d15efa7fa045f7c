package port

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

type SessionState string

const (
	SessionUnstarted   SessionState = "unstarted"
	SessionNegotiating SessionState = "negotiating"
	SessionEstablished SessionState = "established"
	SessionClosed      SessionState = "closed"
)

// RemoteStream is the inbound media of the peer as seen by the session.
type RemoteStream struct {
	StreamID   string
	Camera     bool
	Microphone bool
}

type PeerSession interface {
	CreateOffer(ctx context.Context, tracks []LocalTrack) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer *domain.SessionDescription, tracks []LocalTrack) (domain.SessionDescription, error)
	ApplyRemoteAnswer(ctx context.Context, answer *domain.SessionDescription) error
	// HandleRenegotiationOffer answers a follow-up offer and sends the
	// renegotiation answer itself.
	HandleRenegotiationOffer(ctx context.Context, offer *domain.SessionDescription) error
	ApplyRemoteCandidate(ctx context.Context, c domain.ICECandidate) error
	// ReplaceOrAddTrack reports whether a renegotiation is required, which is
	// only the case when a new sender was added.
	ReplaceOrAddTrack(ctx context.Context, kind domain.TrackKind, track LocalTrack) (bool, error)
	Renegotiate(ctx context.Context, reason string) error
	// StartTrickle releases local candidates once the description carrying
	// them has been handed to signaling.
	StartTrickle()
	State() SessionState
	Close() error
}

type SessionConfig struct {
	Peer      domain.UserID
	CallID    domain.CallID
	Polite    bool
	Signaling Signaling

	OnRemoteStream func(RemoteStream)
	OnFailed       func(err error)
}

type PeerSessionFactory interface {
	NewSession(cfg SessionConfig) (PeerSession, error)
}
