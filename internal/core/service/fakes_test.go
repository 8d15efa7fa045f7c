package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/memory"
	"github.com/Wyydra/ya/internal/adapter/driven/media/devices"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/Wyydra/ya/internal/core/service"
)

type replaceCall struct {
	kind  domain.TrackKind
	track port.LocalTrack
}

// fakeSession negotiates nothing; it records what the call service asks of
// it and answers renegotiations through signaling like a real session.
type fakeSession struct {
	cfg port.SessionConfig

	mu             sync.Mutex
	senders        map[domain.TrackKind]port.LocalTrack
	replaced       []replaceCall
	candidates     []domain.ICECandidate
	answers        int
	renegotiations int
	renegOffers    int
	trickling      bool
	closed         bool
}

func (f *fakeSession) desc(t domain.SDPType) domain.SessionDescription {
	return domain.SessionDescription{Type: t, SDP: fmt.Sprintf("v=0 fake %s %s", t, f.cfg.CallID)}
}

func (f *fakeSession) addTracks(tracks []port.LocalTrack) {
	for _, t := range tracks {
		f.senders[t.Kind()] = t
	}
}

func (f *fakeSession) CreateOffer(_ context.Context, tracks []port.LocalTrack) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addTracks(tracks)
	return f.desc(domain.SDPOffer), nil
}

func (f *fakeSession) CreateAnswer(_ context.Context, offer *domain.SessionDescription, tracks []port.LocalTrack) (domain.SessionDescription, error) {
	if err := offer.Validate(domain.SDPOffer); err != nil {
		return domain.SessionDescription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addTracks(tracks)
	return f.desc(domain.SDPAnswer), nil
}

func (f *fakeSession) ApplyRemoteAnswer(_ context.Context, answer *domain.SessionDescription) error {
	if err := answer.Validate(domain.SDPAnswer); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return nil
}

func (f *fakeSession) HandleRenegotiationOffer(ctx context.Context, offer *domain.SessionDescription) error {
	if err := offer.Validate(domain.SDPOffer); err != nil {
		return err
	}
	f.mu.Lock()
	f.renegOffers++
	answer := f.desc(domain.SDPAnswer)
	f.mu.Unlock()
	return f.cfg.Signaling.Send(ctx, domain.EventRenegotiationAnswer, domain.RenegotiationSignal{
		Route:  domain.Route{To: f.cfg.Peer, CallID: f.cfg.CallID},
		Answer: &answer,
	})
}

func (f *fakeSession) ApplyRemoteCandidate(_ context.Context, c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrNoActiveConnection
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeSession) ReplaceOrAddTrack(_ context.Context, kind domain.TrackKind, t port.LocalTrack) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, domain.ErrNoActiveConnection
	}
	f.replaced = append(f.replaced, replaceCall{kind: kind, track: t})
	if _, ok := f.senders[kind]; ok {
		f.senders[kind] = t
		return false, nil
	}
	if t == nil {
		return false, nil
	}
	f.senders[kind] = t
	return true, nil
}

func (f *fakeSession) Renegotiate(ctx context.Context, _ string) error {
	f.mu.Lock()
	f.renegotiations++
	offer := f.desc(domain.SDPOffer)
	f.mu.Unlock()
	return f.cfg.Signaling.Send(ctx, domain.EventRenegotiationOffer, domain.RenegotiationSignal{
		Route: domain.Route{To: f.cfg.Peer, CallID: f.cfg.CallID},
		Offer: &offer,
	})
}

func (f *fakeSession) StartTrickle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trickling = true
}

func (f *fakeSession) State() port.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return port.SessionClosed
	}
	return port.SessionNegotiating
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) sender(kind domain.TrackKind) port.LocalTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[kind]
}

func (f *fakeSession) counts() (answers, renegotiations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers, f.renegotiations
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) NewSession(cfg port.SessionConfig) (port.PeerSession, error) {
	s := &fakeSession{cfg: cfg, senders: make(map[domain.TrackKind]port.LocalTrack)}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type callError struct {
	kind domain.ErrorKind
	msg  string
}

type recorder struct {
	mu       sync.Mutex
	states   []domain.CallState
	errors   []callError
	notices  []string
	upgrades int
	streams  int
}

func (r *recorder) CallStateChanged(snap domain.CallSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, snap.State)
}

func (r *recorder) LocalControlsChanged(domain.MediaControls)  {}
func (r *recorder) RemoteControlsChanged(domain.MediaControls) {}

func (r *recorder) CallUpgraded(domain.CallSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upgrades++
}

func (r *recorder) CallError(kind domain.ErrorKind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, callError{kind, msg})
}

func (r *recorder) Notice(_ domain.NoticeLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

func (r *recorder) RemoteStream(s *port.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s != nil {
		r.streams++
	}
}

func (r *recorder) callErrors() []callError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callError(nil), r.errors...)
}

func (r *recorder) hasNotice(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n == msg {
			return true
		}
	}
	return false
}

func (r *recorder) upgraded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgrades
}

// user is one side of a call under test.
type user struct {
	id       domain.UserID
	svc      *service.CallService
	ep       *memory.Endpoint
	dev      *devices.Synthetic
	sessions *fakeFactory
	notes    *recorder
}

func newUser(t *testing.T, bus *memory.Bus, id domain.UserID, opts service.CallOptions) *user {
	t.Helper()
	return newUserWith(t, bus, id, opts, nil)
}

// newUserWith lets a test put a wrapper between the call service and the
// synthetic devices.
func newUserWith(t *testing.T, bus *memory.Bus, id domain.UserID, opts service.CallOptions, wrap func(port.MediaDevices) port.MediaDevices) *user {
	t.Helper()
	u := &user{
		id:       id,
		ep:       bus.Join(id),
		dev:      devices.NewSynthetic(0),
		sessions: &fakeFactory{},
		notes:    &recorder{},
	}
	var dev port.MediaDevices = u.dev
	if wrap != nil {
		dev = wrap(dev)
	}
	media := service.NewMediaService(dev, domain.DefaultMediaProfiles())
	u.svc = service.NewCallService(u.ep, media, u.sessions, u.notes, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return u
}

func (u *user) state() domain.CallState {
	return u.svc.Snapshot().State
}

func (u *user) sent(event domain.Event) int {
	n := 0
	for _, e := range u.ep.Sent() {
		if e == event {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inState(u *user, s domain.CallState) func() bool {
	return func() bool { return u.state() == s }
}

// establish runs a call from a to b through to Ongoing on both sides.
func establish(t *testing.T, a, b *user, callType domain.CallType) {
	t.Helper()
	ctx := context.Background()
	if err := a.svc.StartCall(ctx, b.id, callType); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eventually(t, "incoming call", inState(b, domain.CallIncoming))
	if err := b.svc.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	eventually(t, "callee ongoing", inState(b, domain.CallOngoing))
	eventually(t, "caller ongoing", inState(a, domain.CallOngoing))
}
