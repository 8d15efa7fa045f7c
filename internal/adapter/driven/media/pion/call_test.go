package pion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/memory"
	"github.com/Wyydra/ya/internal/adapter/driven/media/devices"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/Wyydra/ya/internal/core/service"
)

// streamLog keeps the last remote stream a call service reported.
type streamLog struct {
	mu     sync.Mutex
	stream *port.RemoteStream
	errors []domain.ErrorKind
}

func (l *streamLog) CallStateChanged(domain.CallSnapshot)      {}
func (l *streamLog) LocalControlsChanged(domain.MediaControls)  {}
func (l *streamLog) RemoteControlsChanged(domain.MediaControls) {}
func (l *streamLog) CallUpgraded(domain.CallSnapshot)          {}
func (l *streamLog) Notice(domain.NoticeLevel, string)         {}

func (l *streamLog) CallError(kind domain.ErrorKind, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, kind)
}

func (l *streamLog) RemoteStream(s *port.RemoteStream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream = s
}

func (l *streamLog) callErrors() []domain.ErrorKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ErrorKind(nil), l.errors...)
}

func (l *streamLog) last() *port.RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream
}

type peer struct {
	id    domain.UserID
	calls *service.CallService
	dev   *devices.Synthetic
	log   *streamLog
}

func (p *peer) snap() domain.CallSnapshot { return p.calls.Snapshot() }

func newPeer(t *testing.T, bus *memory.Bus, f *Factory, id domain.UserID) *peer {
	t.Helper()
	p := &peer{id: id, dev: devices.NewSynthetic(20 * time.Millisecond), log: &streamLog{}}
	media := service.NewMediaService(p.dev, domain.DefaultMediaProfiles())
	p.calls = service.NewCallService(bus.Join(id), media, f, p.log, service.CallOptions{AnswerTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.calls.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func connectCall(t *testing.T, a, b *peer, callType domain.CallType) {
	t.Helper()
	ctx := context.Background()
	if err := a.calls.StartCall(ctx, b.id, callType); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "incoming call", func() bool { return b.snap().State == domain.CallIncoming })
	if err := b.calls.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both ongoing", func() bool {
		return a.snap().State == domain.CallOngoing && b.snap().State == domain.CallOngoing
	})
}

func TestAudioCallUpgradeAndEnd(t *testing.T) {
	f := loopbackFactory(t)
	bus := memory.NewBus()
	alice := newPeer(t, bus, f, "alice")
	bob := newPeer(t, bus, f, "bob")
	ctx := context.Background()

	connectCall(t, alice, bob, domain.CallTypeAudio)
	waitFor(t, "remote audio", func() bool {
		s := bob.log.last()
		return s != nil && s.Microphone && !s.Camera
	})

	if err := alice.calls.ToggleCamera(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "upgrade", func() bool {
		snap := alice.snap()
		return snap.Upgraded && snap.CallType == domain.CallTypeVideo && snap.Local.Camera
	})
	waitFor(t, "remote camera control", func() bool { return bob.snap().Remote.Camera })
	waitFor(t, "remote video", func() bool {
		s := bob.log.last()
		return s != nil && s.Camera
	})

	if err := bob.calls.End(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both idle", func() bool {
		return alice.snap().State == domain.CallIdle && bob.snap().State == domain.CallIdle
	})
	waitFor(t, "devices released", func() bool {
		return len(alice.dev.Live()) == 0 && len(bob.dev.Live()) == 0
	})
	if errs := alice.log.callErrors(); len(errs) != 0 {
		t.Errorf("caller errors: %v", errs)
	}
}

func TestVideoCallScreenShare(t *testing.T) {
	f := loopbackFactory(t)
	bus := memory.NewBus()
	alice := newPeer(t, bus, f, "alice")
	bob := newPeer(t, bus, f, "bob")
	ctx := context.Background()

	connectCall(t, alice, bob, domain.CallTypeVideo)
	waitFor(t, "remote video", func() bool {
		s := alice.log.last()
		return s != nil && s.Camera && s.Microphone
	})

	if err := bob.calls.ToggleScreenShare(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "sharing", func() bool { return bob.snap().Local.ScreenShare })
	waitFor(t, "remote sees share", func() bool { return alice.snap().Remote.ScreenShare })

	bob.dev.EndScreenCapture()
	waitFor(t, "share stopped", func() bool { return !bob.snap().Local.ScreenShare })
	waitFor(t, "remote sees share end", func() bool { return !alice.snap().Remote.ScreenShare })
	if bob.snap().State != domain.CallOngoing {
		t.Errorf("state = %s, want ongoing", bob.snap().State)
	}
	if len(bob.dev.Live(domain.SourceCamera)) != 1 {
		t.Error("camera stopped with the screen share")
	}
}
