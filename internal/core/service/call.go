package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const DefaultAnswerTimeout = 10 * time.Second

var ErrStopped = errors.New("call service stopped")

type CallOptions struct {
	AnswerTimeout time.Duration
	// ReleaseCameraOnDisable stops the camera when it is switched off instead
	// of only muting the track.
	ReleaseCameraOnDisable bool
}

// activeCall is the single live call. It is only touched on the loop.
type activeCall struct {
	gen      uint64
	id       domain.CallID
	peer     domain.UserID
	state    domain.CallState
	callType domain.CallType
	local    domain.MediaControls
	remote   domain.MediaControls
	upgraded bool

	offer   *domain.SessionDescription
	session port.PeerSession
	handles map[domain.SourceKind]*port.MediaHandle
	stream  *port.RemoteStream
	timer   *time.Timer
	// set while an acquisition for this call is in flight
	busy bool

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func (c *activeCall) owns(from domain.UserID, id domain.CallID) bool {
	return from == c.peer && (id == "" || id == c.id)
}

func (c *activeCall) tracks() []port.LocalTrack {
	var out []port.LocalTrack
	for _, src := range []domain.SourceKind{domain.SourceMicrophone, domain.SourceCamera} {
		if h, ok := c.handles[src]; ok {
			out = append(out, h.Track)
		}
	}
	return out
}

func (c *activeCall) route() domain.Route {
	return domain.Route{To: c.peer, CallID: c.id}
}

// CallService is the call state machine. Every mutation runs on the loop
// started by Run; public methods and signaling handlers enqueue work onto it.
type CallService struct {
	signaling port.Signaling
	media     *MediaService
	sessions  port.PeerSessionFactory
	notifier  port.Notifier
	opts      CallOptions

	events chan func()
	quit   chan struct{}
	once   sync.Once

	call  *activeCall
	gen   uint64
	sinks []port.StreamSink
	// the last call we stopped ringing for; a late answer to it is hung up
	expired domain.Route

	snapMu sync.RWMutex
	snap   domain.CallSnapshot
}

func NewCallService(signaling port.Signaling, media *MediaService, sessions port.PeerSessionFactory, notifier port.Notifier, opts CallOptions) *CallService {
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	s := &CallService{
		signaling: signaling,
		media:     media,
		sessions:  sessions,
		notifier:  notifier,
		opts:      opts,
		events:    make(chan func(), 64),
		quit:      make(chan struct{}),
		snap:      domain.IdleSnapshot(),
	}
	s.subscribe()
	return s
}

// Run processes events until ctx is done or Stop is called. A call still
// live at that point is torn down.
func (s *CallService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			s.shutdown()
			return
		case <-s.quit:
			s.shutdown()
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *CallService) Stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *CallService) shutdown() {
	if s.call != nil {
		s.send(s.call, domain.EventCallEnded, s.call.route())
		s.teardown()
	}
	s.unsubscribe()
}

func (s *CallService) enqueue(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// post queues fn without blocking the caller. Callbacks that may fire on
// the loop itself, such as track end notifications, go through post.
func (s *CallService) post(fn func()) {
	select {
	case s.events <- fn:
	default:
		go s.enqueue(fn)
	}
}

// do runs fn on the loop and waits for its result.
func (s *CallService) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !s.enqueue(func() { res <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	}
}

// Snapshot is safe to call from any goroutine.
func (s *CallService) Snapshot() domain.CallSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *CallService) AttachSink(sink port.StreamSink) {
	s.enqueue(func() {
		s.sinks = append(s.sinks, sink)
		if c := s.call; c != nil {
			if tracks := c.tracks(); len(tracks) > 0 {
				sink.AttachLocal(tracks)
			}
			if c.stream != nil {
				sink.AttachRemote(c.stream)
			}
		}
	})
}

// StartCall dials peer. Media capture and the offer complete in the
// background; failures are reported through the notifier.
func (s *CallService) StartCall(ctx context.Context, peer domain.UserID, callType domain.CallType) error {
	return s.do(ctx, func() error {
		if !callType.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidCallType, callType)
		}
		if s.call != nil {
			s.notifier.Notice(domain.NoticeWarning, "A call is already in progress")
			return domain.ErrCallInProgress
		}

		c := s.newCall(domain.NewCallID(), peer, domain.CallCalling, callType)
		c.local = domain.ControlsFor(callType)
		if err := s.openSession(c, false); err != nil {
			s.failInitiation(c, err, "", false)
			return err
		}
		c.log.Info().Str("call_type", string(callType)).Msg("Starting call")
		s.changed(c)

		s.acquire(c, callType.Profile(), func(handles []*port.MediaHandle, err error) {
			if err != nil {
				s.failInitiation(c, err, primarySource(callType), false)
				return
			}
			s.adopt(c, handles)
			offer, err := c.session.CreateOffer(c.ctx, c.tracks())
			if err != nil {
				s.failInitiation(c, err, "", false)
				return
			}
			controls := c.local
			s.send(c, domain.EventInitiateCall, domain.CallOffer{
				Route:    c.route(),
				Type:     c.callType,
				CallType: c.callType,
				Offer:    &offer,
				Controls: &controls,
			})
			c.session.StartTrickle()
			gen := c.gen
			c.timer = time.AfterFunc(s.opts.AnswerTimeout, func() {
				s.enqueue(func() { s.answerTimeout(gen) })
			})
		})
		return nil
	})
}

// Accept answers the ringing call.
func (s *CallService) Accept(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.call
		if c == nil || c.state != domain.CallIncoming || c.busy {
			return domain.ErrNoCall
		}
		if err := c.offer.Validate(domain.SDPOffer); err != nil {
			s.failInitiation(c, err, "", true)
			return err
		}
		c.log.Info().Msg("Accepting call")
		c.local = domain.ControlsFor(c.callType)

		s.acquire(c, c.callType.Profile(), func(handles []*port.MediaHandle, err error) {
			if err != nil {
				s.failInitiation(c, err, primarySource(c.callType), true)
				return
			}
			s.adopt(c, handles)
			answer, err := c.session.CreateAnswer(c.ctx, c.offer, c.tracks())
			if err != nil {
				s.failInitiation(c, err, "", true)
				return
			}
			controls := c.local
			s.send(c, domain.EventSendAnswer, domain.CallAnswer{
				Route:    c.route(),
				Answer:   &answer,
				Controls: &controls,
			})
			c.session.StartTrickle()
			c.offer = nil
			c.state = domain.CallOngoing
			s.changed(c)
			s.notifier.LocalControlsChanged(c.local)
			s.notifier.RemoteControlsChanged(c.remote)
		})
		return nil
	})
}

// Reject declines the ringing call.
func (s *CallService) Reject(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.call
		if c == nil || c.state != domain.CallIncoming {
			return domain.ErrNoCall
		}
		c.log.Info().Msg("Rejecting call")
		s.send(c, domain.EventCallEnded, c.route())
		s.teardown()
		return nil
	})
}

// End hangs up from any non-idle state.
func (s *CallService) End(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.call
		if c == nil {
			return domain.ErrNoCall
		}
		c.log.Info().Str("state", string(c.state)).Msg("Ending call")
		s.send(c, domain.EventCallEnded, c.route())
		s.teardown()
		return nil
	})
}

func (s *CallService) ToggleMicrophone(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.ongoing()
		if c == nil {
			return nil
		}
		enabled := !c.local.Microphone
		if !s.media.SetTrackEnabled(domain.SourceMicrophone, enabled) {
			return nil
		}
		s.setLocal(c, domain.ControlMicrophone, enabled)
		return nil
	})
}

func (s *CallService) ToggleCamera(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.ongoing()
		if c == nil || c.busy {
			return nil
		}
		if c.local.Camera {
			s.cameraOff(c)
			return nil
		}
		if _, held := c.handles[domain.SourceCamera]; held {
			s.media.SetTrackEnabled(domain.SourceCamera, true)
			s.setLocal(c, domain.ControlCamera, true)
			return nil
		}
		s.acquire(c, domain.ProfileVideo, func(handles []*port.MediaHandle, err error) {
			if err != nil {
				c.log.Error().Err(err).Msg("Camera upgrade failed")
				s.failInitiation(c, err, domain.SourceCamera, true)
				return
			}
			s.adopt(c, handles)
			cam := c.handles[domain.SourceCamera]
			cam.Track.SetEnabled(true)
			if !c.local.ScreenShare {
				if err := s.attach(c, domain.TrackVideo, cam.Track, "camera"); err != nil {
					s.failInitiation(c, err, "", true)
					return
				}
			}
			if c.callType == domain.CallTypeAudio {
				c.callType = domain.CallTypeVideo
				c.upgraded = true
				c.log.Info().Msg("Call upgraded to video")
				s.publish()
				s.notifier.CallUpgraded(s.Snapshot())
			}
			s.setLocal(c, domain.ControlCamera, true)
		})
		return nil
	})
}

func (s *CallService) cameraOff(c *activeCall) {
	if !s.opts.ReleaseCameraOnDisable {
		s.media.SetTrackEnabled(domain.SourceCamera, false)
		s.setLocal(c, domain.ControlCamera, false)
		return
	}
	if !c.local.ScreenShare {
		if _, err := c.session.ReplaceOrAddTrack(c.ctx, domain.TrackVideo, nil); err != nil {
			c.log.Warn().Err(err).Msg("Failed to detach camera sender")
		}
	}
	delete(c.handles, domain.SourceCamera)
	s.setLocal(c, domain.ControlCamera, false)

	c.busy = true
	gen := c.gen
	go func() {
		mic, err := s.media.HardRelease(c.ctx, domain.SourceCamera)
		s.enqueue(func() {
			if s.call == nil || s.call.gen != gen {
				return
			}
			c.busy = false
			if err != nil {
				c.log.Warn().Err(err).Msg("Failed to recapture microphone")
				return
			}
			if mic == nil {
				return
			}
			c.handles[domain.SourceMicrophone] = mic
			if _, err := c.session.ReplaceOrAddTrack(c.ctx, domain.TrackAudio, mic.Track); err != nil {
				c.log.Warn().Err(err).Msg("Failed to swap microphone sender")
			}
		})
	}()
}

func (s *CallService) ToggleScreenShare(ctx context.Context) error {
	return s.do(ctx, func() error {
		c := s.ongoing()
		if c == nil || c.busy {
			return nil
		}
		if c.local.ScreenShare {
			s.stopScreenShare(c)
			return nil
		}
		s.acquire(c, domain.ProfileScreen, func(handles []*port.MediaHandle, err error) {
			if err != nil {
				s.notifier.CallError(domain.KindOf(err), domain.MediaErrorMessage(err, domain.SourceScreenCapture))
				return
			}
			h := handles[0]
			c.handles[domain.SourceScreenCapture] = h
			gen := c.gen
			h.Track.OnEnded(func() {
				s.post(func() {
					if s.call != nil && s.call.gen == gen && s.call.handles[domain.SourceScreenCapture] == h {
						c.log.Info().Msg("Screen capture ended by the system")
						s.stopScreenShare(s.call)
					}
				})
			})
			if err := s.attach(c, domain.TrackVideo, h.Track, "screen share"); err != nil {
				c.log.Error().Err(err).Msg("Failed to send screen")
				delete(c.handles, domain.SourceScreenCapture)
				s.media.Release(h)
				s.notifier.CallError(domain.KindOf(err), "Failed to share screen.")
				return
			}
			s.setLocal(c, domain.ControlScreenShare, true)
		})
		return nil
	})
}

// stopScreenShare is the single exit path for screen sharing, whether the
// user or the system ended it.
func (s *CallService) stopScreenShare(c *activeCall) {
	if !c.local.ScreenShare {
		return
	}
	if h, ok := c.handles[domain.SourceScreenCapture]; ok {
		delete(c.handles, domain.SourceScreenCapture)
		s.media.Release(h)
	}
	var back port.LocalTrack
	if cam, ok := c.handles[domain.SourceCamera]; ok && c.local.Camera {
		back = cam.Track
	}
	if _, err := c.session.ReplaceOrAddTrack(c.ctx, domain.TrackVideo, back); err != nil {
		c.log.Warn().Err(err).Msg("Failed to restore video sender")
	}
	s.setLocal(c, domain.ControlScreenShare, false)
}

// attach puts track on the sender of kind and renegotiates when a sender
// had to be added.
func (s *CallService) attach(c *activeCall, kind domain.TrackKind, track port.LocalTrack, reason string) error {
	added, err := c.session.ReplaceOrAddTrack(c.ctx, kind, track)
	if err != nil {
		return err
	}
	if added {
		return c.session.Renegotiate(c.ctx, reason)
	}
	return nil
}

func (s *CallService) setLocal(c *activeCall, control domain.ControlType, enabled bool) {
	c.local = c.local.With(control, enabled)
	s.publish()
	s.notifier.LocalControlsChanged(c.local)
	s.send(c, domain.EventMediaControlChange, domain.MediaControlSignal{
		Route:       c.route(),
		ControlType: control,
		Enabled:     enabled,
	})
}

func (s *CallService) ongoing() *activeCall {
	if s.call == nil || s.call.state != domain.CallOngoing {
		return nil
	}
	return s.call
}

func (s *CallService) newCall(id domain.CallID, peer domain.UserID, state domain.CallState, callType domain.CallType) *activeCall {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c := &activeCall{
		gen:      s.gen,
		id:       id,
		peer:     peer,
		state:    state,
		callType: callType,
		local:    domain.DefaultLocalControls(),
		handles:  make(map[domain.SourceKind]*port.MediaHandle),
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("call_id", id.String()).Str("peer", peer.String()).Logger(),
	}
	s.call = c
	return c
}

func (s *CallService) openSession(c *activeCall, polite bool) error {
	gen := c.gen
	session, err := s.sessions.NewSession(port.SessionConfig{
		Peer:      c.peer,
		CallID:    c.id,
		Polite:    polite,
		Signaling: s.signaling,
		OnRemoteStream: func(rs port.RemoteStream) {
			s.enqueue(func() { s.remoteStream(gen, rs) })
		},
		OnFailed: func(err error) {
			s.enqueue(func() { s.connectionFailed(gen, err) })
		},
	})
	if err != nil {
		return fmt.Errorf("open peer session: %w", err)
	}
	c.session = session
	return nil
}

// acquire captures profile off the loop and hands the result back to done
// on the loop, unless the call has been torn down in between.
func (s *CallService) acquire(c *activeCall, profile domain.Profile, done func([]*port.MediaHandle, error)) {
	c.busy = true
	gen := c.gen
	go func() {
		handles, err := s.media.Acquire(c.ctx, profile)
		s.enqueue(func() {
			if s.call == nil || s.call.gen != gen {
				c.log.Debug().Str("profile", string(profile)).Msg("Discarding media for a finished call")
				return
			}
			c.busy = false
			done(handles, err)
		})
	}()
}

func (s *CallService) adopt(c *activeCall, handles []*port.MediaHandle) {
	for _, h := range handles {
		c.handles[h.Source] = h
	}
	if mic, ok := c.handles[domain.SourceMicrophone]; ok {
		mic.Track.SetEnabled(c.local.Microphone)
	}
	tracks := c.tracks()
	for _, sink := range s.sinks {
		sink.AttachLocal(tracks)
	}
}

// failInitiation aborts a call that could not be set up and reports the
// cause once.
func (s *CallService) failInitiation(c *activeCall, err error, source domain.SourceKind, notifyPeer bool) {
	if s.call != c {
		return
	}
	kind := domain.KindOf(err)
	msg := err.Error()
	switch kind {
	case domain.KindPermissionDenied, domain.KindDeviceNotFound, domain.KindDeviceBusy, domain.KindConstraintsNotSatisfiable:
		if source == "" {
			source = domain.SourceMicrophone
		}
		msg = domain.MediaErrorMessage(err, source)
	case domain.KindInvalidOffer:
		msg = "Invalid call offer received."
	}
	c.log.Error().Err(err).Str("kind", string(kind)).Msg("Call setup failed")
	if notifyPeer {
		s.send(c, domain.EventCallEnded, c.route())
	}
	s.teardown()
	s.notifier.CallError(kind, msg)
}

// teardown returns to Idle. It always completes; errors are only logged.
func (s *CallService) teardown() {
	c := s.call
	if c == nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.cancel()

	for _, h := range c.handles {
		s.media.Release(h)
	}
	s.media.ReleaseAll()
	c.handles = nil
	c.stream = nil

	var errs error
	if c.session != nil {
		errs = multierr.Append(errs, c.session.Close())
	}
	for _, sink := range s.sinks {
		sink.Detach()
	}
	s.call = nil
	if errs != nil {
		c.log.Warn().Err(errs).Msg("Teardown finished with errors")
	}
	c.log.Info().Msg("Call torn down")

	s.publish()
	snap := s.Snapshot()
	s.notifier.RemoteStream(nil)
	s.notifier.CallStateChanged(snap)
	s.notifier.LocalControlsChanged(snap.Local)
	s.notifier.RemoteControlsChanged(snap.Remote)
}

func (s *CallService) send(c *activeCall, event domain.Event, payload any) {
	if err := s.signaling.Send(c.ctx, event, payload); err != nil {
		c.log.Warn().Err(err).Str("event", string(event)).Msg("Failed to send signal")
	}
}

func (s *CallService) changed(c *activeCall) {
	s.publish()
	s.notifier.CallStateChanged(s.Snapshot())
}

func (s *CallService) publish() {
	snap := domain.IdleSnapshot()
	if c := s.call; c != nil {
		snap = domain.CallSnapshot{
			State:              c.state,
			CallID:             c.id,
			CallType:           c.callType,
			Peer:               c.peer,
			Local:              c.local,
			Remote:             c.remote,
			RemoteVideoEnabled: c.remote.Camera,
			Upgraded:           c.upgraded,
		}
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// primarySource names the device blamed when capture for a call type fails.
func primarySource(t domain.CallType) domain.SourceKind {
	if t == domain.CallTypeVideo {
		return domain.SourceCamera
	}
	return domain.SourceMicrophone
}

type nopNotifier struct{}

func (nopNotifier) CallStateChanged(domain.CallSnapshot)      {}
func (nopNotifier) LocalControlsChanged(domain.MediaControls)  {}
func (nopNotifier) RemoteControlsChanged(domain.MediaControls) {}
func (nopNotifier) CallUpgraded(domain.CallSnapshot)          {}
func (nopNotifier) CallError(domain.ErrorKind, string)        {}
func (nopNotifier) Notice(domain.NoticeLevel, string)         {}
func (nopNotifier) RemoteStream(*port.RemoteStream)           {}
