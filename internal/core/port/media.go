package port

import (
	"context"

	"github.com/Wyydra/ya/internal/core/domain"
)

// LocalTrack is a single live capture track.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.SourceKind
	Enabled() bool
	// SetEnabled toggles sending without stopping the capture.
	SetEnabled(enabled bool)
	Stop()
	// OnEnded registers fn to run once when the track ends, either through
	// Stop or because the source went away.
	OnEnded(fn func())
}

// MediaDevices is the capture backend.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c domain.StreamConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context, c domain.VideoConstraints) ([]LocalTrack, error)
}

type MediaHandle struct {
	Source  domain.SourceKind
	Track   LocalTrack
	Profile domain.Profile
}
