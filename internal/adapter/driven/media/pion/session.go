package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const pliInterval = 3 * time.Second

// sendable is implemented by local tracks that can be put on a pion sender.
type sendable interface {
	TrackLocal() webrtc.TrackLocal
}

// Session is one point-to-point connection. The underlying PeerConnection
// is created by the first CreateOffer or CreateAnswer.
type Session struct {
	api    *webrtc.API
	config webrtc.Configuration
	cfg    port.SessionConfig
	log    zerolog.Logger

	// state and closed are read without mu: pion calls back into the
	// candidate and connection-state handlers while mu is held.
	state  atomic.Value
	closed atomic.Bool

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	senders map[domain.TrackKind]*webrtc.RTPSender
	// remote candidates received before a remote description
	pendingRemote []webrtc.ICECandidateInit
	// a renegotiation was requested while signaling was not stable
	negotiationPending bool

	candMu       sync.Mutex
	trickling    bool
	pendingLocal []domain.ICECandidate

	remoteMu    sync.Mutex
	remoteKinds map[webrtc.RTPCodecType]bool
}

func newSession(api *webrtc.API, config webrtc.Configuration, cfg port.SessionConfig) *Session {
	s := &Session{
		api:         api,
		config:      config,
		cfg:         cfg,
		log:         log.With().Str("call_id", cfg.CallID.String()).Str("peer", cfg.Peer.String()).Logger(),
		senders:     make(map[domain.TrackKind]*webrtc.RTPSender),
		remoteKinds: make(map[webrtc.RTPCodecType]bool),
	}
	s.state.Store(port.SessionUnstarted)
	return s
}

func (s *Session) route() domain.Route {
	return domain.Route{To: s.cfg.Peer, CallID: s.cfg.CallID}
}

func (s *Session) State() port.SessionState {
	return s.state.Load().(port.SessionState)
}

// connection returns the live PeerConnection, creating it on first use.
// Callers hold s.mu.
func (s *Session) connection() (*webrtc.PeerConnection, error) {
	if s.closed.Load() {
		return nil, domain.ErrNoActiveConnection
	}
	if s.pc != nil {
		return s.pc, nil
	}
	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.onRemoteTrack(pc, remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug().Str("state", state.String()).Msg("Connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.state.CompareAndSwap(port.SessionNegotiating, port.SessionEstablished)
		case webrtc.PeerConnectionStateFailed:
			if s.cfg.OnFailed != nil && s.State() != port.SessionClosed {
				s.cfg.OnFailed(fmt.Errorf("%w: ice failed", domain.ErrNoActiveConnection))
			}
		}
	})

	s.pc = pc
	return pc, nil
}

func (s *Session) CreateOffer(ctx context.Context, tracks []port.LocalTrack) (domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, err := s.connection()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	for _, t := range tracks {
		if _, err := s.addTrack(pc, t); err != nil {
			return domain.SessionDescription{}, err
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	s.state.Store(port.SessionNegotiating)
	return fromPion(pc), nil
}

func (s *Session) CreateAnswer(ctx context.Context, offer *domain.SessionDescription, tracks []port.LocalTrack) (domain.SessionDescription, error) {
	if err := checkDescription(offer, domain.SDPOffer); err != nil {
		return domain.SessionDescription{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pc, err := s.connection()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(toPion(offer)); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: %w", domain.ErrInvalidOffer, err)
	}
	s.flushRemoteCandidates(pc)
	for _, t := range tracks {
		if _, err := s.addTrack(pc, t); err != nil {
			return domain.SessionDescription{}, err
		}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	s.state.Store(port.SessionNegotiating)
	return fromPion(pc), nil
}

// ApplyRemoteAnswer completes the initial negotiation or a renegotiation
// round. An answer arriving while no offer is outstanding is ignored.
func (s *Session) ApplyRemoteAnswer(ctx context.Context, answer *domain.SessionDescription) error {
	if err := checkDescription(answer, domain.SDPAnswer); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() || s.pc == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveConnection
	}
	pc := s.pc
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.mu.Unlock()
		s.log.Debug().Str("signaling_state", pc.SignalingState().String()).Msg("Ignoring answer with no offer outstanding")
		return nil
	}
	if err := pc.SetRemoteDescription(toPion(answer)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	s.flushRemoteCandidates(pc)

	pending := s.negotiationPending
	s.negotiationPending = false
	s.mu.Unlock()

	if pending {
		s.log.Debug().Msg("Triggering queued renegotiation")
		return s.Renegotiate(ctx, "queued")
	}
	return nil
}

// HandleRenegotiationOffer answers an offer on the established connection.
// On glare the polite side rolls back its own offer and replays it after
// answering; the impolite side ignores the incoming one.
func (s *Session) HandleRenegotiationOffer(ctx context.Context, offer *domain.SessionDescription) error {
	if err := checkDescription(offer, domain.SDPOffer); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() || s.pc == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveConnection
	}
	pc := s.pc
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !s.cfg.Polite {
			s.mu.Unlock()
			s.log.Debug().Msg("Offer collision, keeping ours")
			return nil
		}
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to roll back local offer: %w", err)
		}
		s.negotiationPending = true
		s.log.Debug().Msg("Offer collision, rolled back ours")
	}
	if err := pc.SetRemoteDescription(toPion(offer)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", domain.ErrInvalidOffer, err)
	}
	s.flushRemoteCandidates(pc)
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	desc := fromPion(pc)
	pending := s.negotiationPending
	s.negotiationPending = false
	s.mu.Unlock()

	if err := s.cfg.Signaling.Send(ctx, domain.EventRenegotiationAnswer, domain.RenegotiationSignal{
		Route:  s.route(),
		Answer: &desc,
	}); err != nil {
		return err
	}
	if pending {
		return s.Renegotiate(ctx, "replay after collision")
	}
	return nil
}

// ApplyRemoteCandidate applies c, or buffers it until a remote description
// exists. An empty candidate signals end-of-candidates.
func (s *Session) ApplyRemoteCandidate(ctx context.Context, c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	if !c.EndOfCandidates() {
		init.Candidate = *c.Candidate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		s.log.Warn().Msg("Candidate for a closed session")
		return domain.ErrNoActiveConnection
	}
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		s.pendingRemote = append(s.pendingRemote, init)
		return nil
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// flushRemoteCandidates applies buffered candidates in arrival order.
// Callers hold s.mu.
func (s *Session) flushRemoteCandidates(pc *webrtc.PeerConnection) {
	for _, c := range s.pendingRemote {
		if err := pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("Failed to add buffered candidate")
		}
	}
	s.pendingRemote = nil
}

func (s *Session) ReplaceOrAddTrack(ctx context.Context, kind domain.TrackKind, t port.LocalTrack) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || s.pc == nil {
		return false, domain.ErrNoActiveConnection
	}
	if sender, ok := s.senders[kind]; ok {
		var tl webrtc.TrackLocal
		if t != nil {
			st, ok := t.(sendable)
			if !ok {
				return false, fmt.Errorf("track %s cannot be sent", t.ID())
			}
			tl = st.TrackLocal()
		}
		if err := sender.ReplaceTrack(tl); err != nil {
			return false, fmt.Errorf("failed to replace %s track: %w", kind, err)
		}
		return false, nil
	}
	if t == nil {
		return false, nil
	}
	return s.addTrack(s.pc, t)
}

// addTrack adds a sender for t. Callers hold s.mu.
func (s *Session) addTrack(pc *webrtc.PeerConnection, t port.LocalTrack) (bool, error) {
	st, ok := t.(sendable)
	if !ok {
		return false, fmt.Errorf("track %s cannot be sent", t.ID())
	}
	if sender, ok := s.senders[t.Kind()]; ok {
		if err := sender.ReplaceTrack(st.TrackLocal()); err != nil {
			return false, fmt.Errorf("failed to replace %s track: %w", t.Kind(), err)
		}
		return false, nil
	}
	sender, err := pc.AddTrack(st.TrackLocal())
	if err != nil {
		return false, fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
	}
	s.senders[t.Kind()] = sender
	go drainRTCP(sender)
	return true, nil
}

// Renegotiate sends a fresh offer on the existing connection. While an
// offer is outstanding the request is queued and replayed after the answer.
func (s *Session) Renegotiate(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed.Load() || s.pc == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveConnection
	}
	pc := s.pc
	if pc.SignalingState() != webrtc.SignalingStateStable {
		s.negotiationPending = true
		s.mu.Unlock()
		s.log.Debug().Str("reason", reason).Msg("Renegotiation: signaling state not stable, queuing")
		return nil
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create renegotiation offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	desc := fromPion(pc)
	s.mu.Unlock()

	s.log.Debug().Str("reason", reason).Msg("Renegotiating")
	return s.cfg.Signaling.Send(ctx, domain.EventRenegotiationOffer, domain.RenegotiationSignal{
		Route: s.route(),
		Offer: &desc,
	})
}

func (s *Session) StartTrickle() {
	s.candMu.Lock()
	s.trickling = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.candMu.Unlock()

	for _, c := range pending {
		s.sendCandidate(c)
	}
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	var cand domain.ICECandidate
	if c != nil {
		init := c.ToJSON()
		cand = domain.ICECandidate{
			Candidate:     &init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}
	}

	s.candMu.Lock()
	if !s.trickling {
		s.pendingLocal = append(s.pendingLocal, cand)
		s.candMu.Unlock()
		return
	}
	s.candMu.Unlock()
	s.sendCandidate(cand)
}

func (s *Session) sendCandidate(c domain.ICECandidate) {
	if s.closed.Load() {
		return
	}
	if err := s.cfg.Signaling.Send(context.Background(), domain.EventICECandidate, domain.CandidateSignal{
		Route:        s.route(),
		ICECandidate: c,
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send candidate")
	}
}

func (s *Session) onRemoteTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	s.log.Debug().Str("kind", remote.Kind().String()).Msg("Received remote track")

	s.remoteMu.Lock()
	s.remoteKinds[remote.Kind()] = true
	stream := port.RemoteStream{
		StreamID:   remote.StreamID(),
		Camera:     s.remoteKinds[webrtc.RTPCodecTypeVideo],
		Microphone: s.remoteKinds[webrtc.RTPCodecTypeAudio],
	}
	s.remoteMu.Unlock()

	if s.cfg.OnRemoteStream != nil {
		s.cfg.OnRemoteStream(stream)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	if remote.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	go func() {
		sendPLI := func() error {
			return pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
		}
		// request a keyframe right away, then periodically
		if err := sendPLI(); err != nil {
			return
		}
		ticker := time.NewTicker(pliInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sendPLI(); err != nil {
					return
				}
			}
		}
	}()
}

// Close stops every transceiver and closes the connection. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.state.Store(port.SessionClosed)
	pc := s.pc
	s.pendingRemote = nil
	s.mu.Unlock()

	s.candMu.Lock()
	s.pendingLocal = nil
	s.candMu.Unlock()

	if pc == nil {
		return nil
	}
	var err error
	for _, tr := range pc.GetTransceivers() {
		err = multierr.Append(err, tr.Stop())
	}
	err = multierr.Append(err, pc.Close())
	if err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	s.log.Debug().Msg("Peer connection closed")
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Msg("RTCP reader stopped")
			}
			return
		}
	}
}

// checkDescription rejects malformed descriptions before pion sees them.
func checkDescription(d *domain.SessionDescription, want domain.SDPType) error {
	if err := d.Validate(want); err != nil {
		return err
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidOffer, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", domain.ErrInvalidOffer)
	}
	return nil
}

func fromPion(pc *webrtc.PeerConnection) domain.SessionDescription {
	d := pc.LocalDescription()
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func toPion(d *domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}
