package pion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/memory"
	"github.com/Wyydra/ya/internal/adapter/driven/media/track"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/ice/v4"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func loopbackFactory(t *testing.T) *Factory {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	f, err := NewFactory(nil, WithSettingEngine(se))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newTrack(t *testing.T, src domain.SourceKind) *track.Local {
	t.Helper()
	l, err := track.New(src, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

type remoteStreams struct {
	mu      sync.Mutex
	streams []port.RemoteStream
}

func (r *remoteStreams) add(s port.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
}

func (r *remoteStreams) last() (port.RemoteStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return port.RemoteStream{}, false
	}
	return r.streams[len(r.streams)-1], true
}

type side struct {
	ep      *memory.Endpoint
	session *Session
	remote  *remoteStreams
}

// pair wires two sessions over an in-memory relay. Candidates and
// renegotiation signals are applied to the other session as they arrive.
func pair(t *testing.T) (offerer, answerer *side) {
	t.Helper()
	f := loopbackFactory(t)
	bus := memory.NewBus()
	mk := func(self, peer domain.UserID, polite bool) *side {
		s := &side{ep: bus.Join(self), remote: &remoteStreams{}}
		ps, err := f.NewSession(port.SessionConfig{
			Peer:           peer,
			CallID:         "call-1",
			Polite:         polite,
			Signaling:      s.ep,
			OnRemoteStream: s.remote.add,
		})
		if err != nil {
			t.Fatal(err)
		}
		s.session = ps.(*Session)
		t.Cleanup(func() { s.session.Close() })
		return s
	}
	offerer = mk("alice", "bob", false)
	answerer = mk("bob", "alice", true)

	for _, s := range []*side{offerer, answerer} {
		s.ep.On(domain.EventFoundICECandidate, func(env domain.Envelope) {
			var c domain.CandidateSignal
			if err := env.Decode(&c); err == nil {
				s.session.ApplyRemoteCandidate(context.Background(), c.ICECandidate)
			}
		})
		s.ep.On(domain.EventRenegotiationOffer, func(env domain.Envelope) {
			var r domain.RenegotiationSignal
			if err := env.Decode(&r); err == nil {
				s.session.HandleRenegotiationOffer(context.Background(), r.Offer)
			}
		})
		s.ep.On(domain.EventRenegotiationAnswer, func(env domain.Envelope) {
			var r domain.RenegotiationSignal
			if err := env.Decode(&r); err == nil {
				s.session.ApplyRemoteAnswer(context.Background(), r.Answer)
			}
		})
	}
	return offerer, answerer
}

func negotiate(t *testing.T, a, b *side, aTracks, bTracks []port.LocalTrack) {
	t.Helper()
	ctx := context.Background()
	offer, err := a.session.CreateOffer(ctx, aTracks)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := b.session.CreateAnswer(ctx, &offer, bTracks)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := a.session.ApplyRemoteAnswer(ctx, &answer); err != nil {
		t.Fatalf("ApplyRemoteAnswer: %v", err)
	}
	a.session.StartTrickle()
	b.session.StartTrickle()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sent(ep *memory.Endpoint, event domain.Event) int {
	n := 0
	for _, e := range ep.Sent() {
		if e == event {
			n++
		}
	}
	return n
}

func TestSessionEstablishes(t *testing.T) {
	a, b := pair(t)
	if a.session.State() != port.SessionUnstarted {
		t.Errorf("state before offer = %s", a.session.State())
	}

	mic := newTrack(t, domain.SourceMicrophone)
	cam := newTrack(t, domain.SourceCamera)
	negotiate(t, a, b, []port.LocalTrack{mic, cam}, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)})

	waitFor(t, "connection", func() bool {
		return a.session.State() == port.SessionEstablished && b.session.State() == port.SessionEstablished
	})
	if sent(a.ep, domain.EventICECandidate) == 0 {
		t.Error("no candidates trickled")
	}

	// media has to flow before pion reports remote tracks
	stop := make(chan struct{})
	defer close(stop)
	go pump(stop, mic, cam)

	waitFor(t, "remote video", func() bool {
		s, ok := b.remote.last()
		return ok && s.Camera && s.Microphone
	})
}

func pump(stop <-chan struct{}, tracks ...*track.Local) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var seq uint16
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			seq++
			for _, t := range tracks {
				writeSample(t, seq)
			}
		}
	}
}

func writeSample(t *track.Local, seq uint16) {
	payload := []byte{0xf8, 0xff, 0xfe}
	if t.Kind() == domain.TrackVideo {
		payload = []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
	}
	_ = t.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 960,
		},
		Payload: payload,
	})
}

func gatheringComplete(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil && s.pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete
}

func signalingStable(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil && s.pc.SignalingState() == webrtc.SignalingStateStable
}

// Once gathering is complete pion emits the end-of-candidates callback from
// inside SetLocalDescription, on the caller's goroutine.
func TestRenegotiateAfterGatheringComplete(t *testing.T) {
	a, b := pair(t)
	negotiate(t, a, b, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)})
	waitFor(t, "connection", func() bool {
		return a.session.State() == port.SessionEstablished && b.session.State() == port.SessionEstablished
	})
	waitFor(t, "gathering complete", func() bool {
		return gatheringComplete(a.session) && gatheringComplete(b.session)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cam := newTrack(t, domain.SourceCamera)
	done := make(chan error, 1)
	go func() {
		added, err := a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, cam)
		if err == nil && added {
			err = a.session.Renegotiate(ctx, "camera")
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Renegotiate: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Renegotiate did not return")
	}

	waitFor(t, "renegotiation answer", func() bool {
		return sent(b.ep, domain.EventRenegotiationAnswer) == 1
	})
	waitFor(t, "stable", func() bool {
		return signalingStable(a.session) && signalingStable(b.session)
	})
	if a.session.State() != port.SessionEstablished {
		t.Errorf("state = %s, want established", a.session.State())
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	cand := "candidate:1 1 udp 2130706431 127.0.0.1 40000 typ host"
	var mline uint16
	mid := "0"
	if err := b.session.ApplyRemoteCandidate(ctx, domain.ICECandidate{Candidate: &cand, SDPMid: &mid, SDPMLineIndex: &mline}); err != nil {
		t.Fatalf("candidate before any description: %v", err)
	}
	if err := b.session.ApplyRemoteCandidate(ctx, domain.ICECandidate{}); err != nil {
		t.Fatalf("end of candidates: %v", err)
	}
	b.session.mu.Lock()
	buffered := len(b.session.pendingRemote)
	b.session.mu.Unlock()
	if buffered != 2 {
		t.Fatalf("buffered = %d, want 2", buffered)
	}

	negotiate(t, a, b, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}, nil)
	b.session.mu.Lock()
	buffered = len(b.session.pendingRemote)
	b.session.mu.Unlock()
	if buffered != 0 {
		t.Errorf("buffered after answer = %d, want 0", buffered)
	}
}

func TestLocalCandidatesHeldUntilTrickle(t *testing.T) {
	a, _ := pair(t)
	ctx := context.Background()
	if _, err := a.session.CreateOffer(ctx, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "gathering", func() bool {
		a.session.candMu.Lock()
		defer a.session.candMu.Unlock()
		return len(a.session.pendingLocal) > 0
	})
	if n := sent(a.ep, domain.EventICECandidate); n != 0 {
		t.Fatalf("sent %d candidates before trickle started", n)
	}
	a.session.StartTrickle()
	if sent(a.ep, domain.EventICECandidate) == 0 {
		t.Error("held candidates not sent")
	}
}

func TestInvalidDescriptions(t *testing.T) {
	_, b := pair(t)
	ctx := context.Background()

	tests := []struct {
		name string
		d    *domain.SessionDescription
	}{
		{"nil", nil},
		{"empty sdp", &domain.SessionDescription{Type: domain.SDPOffer}},
		{"answer as offer", &domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0"}},
		{"garbage", &domain.SessionDescription{Type: domain.SDPOffer, SDP: "hello"}},
		{"no media", &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.session.CreateAnswer(ctx, tt.d, nil)
			if !errors.Is(err, domain.ErrInvalidOffer) {
				t.Errorf("CreateAnswer = %v, want ErrInvalidOffer", err)
			}
		})
	}
	if b.session.State() != port.SessionUnstarted {
		t.Error("rejected offer changed the session")
	}
}

func TestReplaceOrAddTrack(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	if _, err := a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, newTrack(t, domain.SourceCamera)); !errors.Is(err, domain.ErrNoActiveConnection) {
		t.Errorf("before negotiation = %v, want ErrNoActiveConnection", err)
	}
	negotiate(t, a, b, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)})

	added, err := a.session.ReplaceOrAddTrack(ctx, domain.TrackAudio, newTrack(t, domain.SourceMicrophone))
	if err != nil || added {
		t.Errorf("replace audio = %v, %v; want a plain replace", added, err)
	}
	added, err = a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, newTrack(t, domain.SourceCamera))
	if err != nil || !added {
		t.Fatalf("add video = %v, %v; want a new sender", added, err)
	}
	added, err = a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, newTrack(t, domain.SourceScreenCapture))
	if err != nil || added {
		t.Errorf("replace video = %v, %v", added, err)
	}
	if added, err := a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, nil); err != nil || added {
		t.Errorf("detach video = %v, %v", added, err)
	}
}

func TestRenegotiationQueuedWhileOfferOutstanding(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	offer, err := a.session.CreateOffer(ctx, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.session.Renegotiate(ctx, "test"); err != nil {
		t.Fatal(err)
	}
	if n := sent(a.ep, domain.EventRenegotiationOffer); n != 0 {
		t.Fatalf("renegotiation sent with an offer outstanding (%d)", n)
	}

	answer, err := b.session.CreateAnswer(ctx, &offer, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.session.ApplyRemoteAnswer(ctx, &answer); err != nil {
		t.Fatal(err)
	}
	if n := sent(a.ep, domain.EventRenegotiationOffer); n != 1 {
		t.Errorf("queued renegotiation sent %d times, want 1", n)
	}
	waitFor(t, "renegotiation answered", func() bool {
		return sent(b.ep, domain.EventRenegotiationAnswer) == 1
	})
	waitFor(t, "stable", func() bool {
		a.session.mu.Lock()
		defer a.session.mu.Unlock()
		return a.session.pc.SignalingState() == webrtc.SignalingStateStable
	})

	// a stray answer in stable state is ignored
	if err := a.session.ApplyRemoteAnswer(ctx, &answer); err != nil {
		t.Errorf("stray answer = %v", err)
	}
}

func TestRenegotiationGlare(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()
	negotiate(t, a, b, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)})

	// both sides offer at once; only the polite side backs off
	b.ep.Off(domain.EventRenegotiationOffer)
	a.ep.Off(domain.EventRenegotiationOffer)
	if _, err := a.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, newTrack(t, domain.SourceCamera)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.session.ReplaceOrAddTrack(ctx, domain.TrackVideo, newTrack(t, domain.SourceCamera)); err != nil {
		t.Fatal(err)
	}
	if err := a.session.Renegotiate(ctx, "camera"); err != nil {
		t.Fatal(err)
	}
	if err := b.session.Renegotiate(ctx, "camera"); err != nil {
		t.Fatal(err)
	}

	aOffer := a.session.pc.LocalDescription()
	bOffer := b.session.pc.LocalDescription()
	impolite := &domain.SessionDescription{Type: domain.SDPOffer, SDP: aOffer.SDP}
	polite := &domain.SessionDescription{Type: domain.SDPOffer, SDP: bOffer.SDP}

	if err := a.session.HandleRenegotiationOffer(ctx, polite); err != nil {
		t.Fatalf("impolite side: %v", err)
	}
	if sent(a.ep, domain.EventRenegotiationAnswer) != 0 {
		t.Error("impolite side answered a colliding offer")
	}

	// the impolite side has to take the polite side's replayed offer
	a.ep.On(domain.EventRenegotiationOffer, func(env domain.Envelope) {
		var r domain.RenegotiationSignal
		if err := env.Decode(&r); err == nil {
			a.session.HandleRenegotiationOffer(context.Background(), r.Offer)
		}
	})
	if err := b.session.HandleRenegotiationOffer(ctx, impolite); err != nil {
		t.Fatalf("polite side: %v", err)
	}
	if sent(b.ep, domain.EventRenegotiationAnswer) != 1 {
		t.Error("polite side did not answer")
	}
	if sent(b.ep, domain.EventRenegotiationOffer) != 2 {
		t.Errorf("polite side sent %d offers, want its original plus the replay", sent(b.ep, domain.EventRenegotiationOffer))
	}
	waitFor(t, "both stable", func() bool {
		a.session.mu.Lock()
		as := a.session.pc.SignalingState()
		a.session.mu.Unlock()
		b.session.mu.Lock()
		bs := b.session.pc.SignalingState()
		b.session.mu.Unlock()
		return as == webrtc.SignalingStateStable && bs == webrtc.SignalingStateStable
	})
}

func TestClosedSession(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()
	negotiate(t, a, b, []port.LocalTrack{newTrack(t, domain.SourceMicrophone)}, nil)

	if err := a.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if a.session.State() != port.SessionClosed {
		t.Errorf("state = %s", a.session.State())
	}
	cand := "candidate:1 1 udp 2130706431 127.0.0.1 40000 typ host"
	if err := a.session.ApplyRemoteCandidate(ctx, domain.ICECandidate{Candidate: &cand}); !errors.Is(err, domain.ErrNoActiveConnection) {
		t.Errorf("candidate after close = %v", err)
	}
	if err := a.session.Renegotiate(ctx, "late"); !errors.Is(err, domain.ErrNoActiveConnection) {
		t.Errorf("renegotiate after close = %v", err)
	}
	if _, err := a.session.CreateOffer(ctx, nil); !errors.Is(err, domain.ErrNoActiveConnection) {
		t.Errorf("offer after close = %v", err)
	}
}
