// Package track adapts captured media to pion's local track model. A Local
// track is what the capture backends hand out and what the peer session
// puts on its senders.
package track

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	Opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

var ErrEnded = errors.New("track ended")

// CodecFor is the codec a source is encoded with.
func CodecFor(source domain.SourceKind) webrtc.RTPCodecCapability {
	if source.TrackKind() == domain.TrackAudio {
		return Opus
	}
	return VP8
}

// Local implements port.LocalTrack on top of a TrackLocalStaticRTP.
type Local struct {
	id     string
	source domain.SourceKind
	rtp    *webrtc.TrackLocalStaticRTP

	enabled atomic.Bool

	mu      sync.Mutex
	ended   bool
	onEnded []func()
	release func()
}

// New creates a track for source. release, when set, is called once to
// free the capture behind the track.
func New(source domain.SourceKind, streamID string, release func()) (*Local, error) {
	id := string(source) + "-" + uuid.NewString()
	t, err := webrtc.NewTrackLocalStaticRTP(CodecFor(source), id, streamID)
	if err != nil {
		return nil, err
	}
	l := &Local{id: id, source: source, rtp: t, release: release}
	l.enabled.Store(true)
	return l, nil
}

func (t *Local) ID() string                { return t.id }
func (t *Local) Kind() domain.TrackKind    { return t.source.TrackKind() }
func (t *Local) Source() domain.SourceKind { return t.source }
func (t *Local) Enabled() bool             { return t.enabled.Load() }
func (t *Local) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }

// TrackLocal is the pion track to put on a sender.
func (t *Local) TrackLocal() webrtc.TrackLocal { return t.rtp }

func (t *Local) Codec() webrtc.RTPCodecCapability { return t.rtp.Codec() }

// WriteRTP forwards a packet to every bound sender. Packets are dropped
// while the track is disabled.
func (t *Local) WriteRTP(p *rtp.Packet) error {
	if t.Ended() {
		return ErrEnded
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.rtp.WriteRTP(p)
}

func (t *Local) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OnEnded runs fn once the track ends. fn runs immediately if it already has.
func (t *Local) OnEnded(fn func()) {
	t.mu.Lock()
	if !t.ended {
		t.onEnded = append(t.onEnded, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// Stop ends the track and releases its capture. Safe to call repeatedly.
func (t *Local) Stop() {
	t.end()
}

// End marks the track as ended by its source, e.g. when the user stops a
// screen capture from the system UI.
func (t *Local) End() {
	t.end()
}

func (t *Local) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	rel := t.release
	t.mu.Unlock()

	if rel != nil {
		rel()
	}
	for _, fn := range fns {
		fn()
	}
}
