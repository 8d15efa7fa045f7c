package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/rs/zerolog/log"
)

// MediaService holds at most one live capture per source kind.
type MediaService struct {
	devices  port.MediaDevices
	profiles domain.MediaProfiles

	mu   sync.Mutex
	held map[domain.SourceKind]*port.MediaHandle
	// microphone and camera came from a single capture request
	combined bool
}

func NewMediaService(devices port.MediaDevices, profiles domain.MediaProfiles) *MediaService {
	return &MediaService{
		devices:  devices,
		profiles: profiles,
		held:     make(map[domain.SourceKind]*port.MediaHandle),
	}
}

// Acquire returns one handle per source of the profile. Sources already held
// are returned as is. The handles are only kept if ctx is still live when
// the capture completes.
func (s *MediaService) Acquire(ctx context.Context, profile domain.Profile) ([]*port.MediaHandle, error) {
	sources := profile.Sources()

	s.mu.Lock()
	var missing []domain.SourceKind
	for _, src := range sources {
		if _, ok := s.held[src]; !ok {
			missing = append(missing, src)
		}
	}
	s.mu.Unlock()

	var tracks []port.LocalTrack
	if len(missing) > 0 {
		var err error
		if profile == domain.ProfileScreen {
			tracks, err = s.devices.GetDisplayMedia(ctx, s.profiles.Screen)
		} else {
			tracks, err = s.devices.GetUserMedia(ctx, s.profiles.Constraints(missing...))
		}
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", profile, err)
		}
	}

	byKind := make(map[domain.SourceKind]port.LocalTrack, len(tracks))
	for _, t := range tracks {
		byKind[t.Source()] = t
	}
	for _, src := range missing {
		if _, ok := byKind[src]; !ok {
			stopAll(tracks)
			return nil, fmt.Errorf("acquire %s: no %s track: %w", profile, src, domain.ErrDeviceNotFound)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		stopAll(tracks)
		return nil, err
	}

	handles := make([]*port.MediaHandle, 0, len(sources))
	for _, src := range sources {
		if h, ok := s.held[src]; ok {
			if t, fresh := byKind[src]; fresh {
				// another acquisition won the race
				t.Stop()
			}
			handles = append(handles, h)
			continue
		}
		h := &port.MediaHandle{Source: src, Track: byKind[src], Profile: profile}
		s.held[src] = h
		s.watch(h)
		handles = append(handles, h)
	}
	if len(missing) == 2 && profile == domain.ProfileVideo {
		s.combined = true
	}

	log.Debug().Str("profile", string(profile)).Int("captured", len(tracks)).Msg("Media acquired")
	return handles, nil
}

// watch forgets h once its track ends on its own.
func (s *MediaService) watch(h *port.MediaHandle) {
	h.Track.OnEnded(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.forget(h)
	})
}

func (s *MediaService) forget(h *port.MediaHandle) bool {
	if cur, ok := s.held[h.Source]; !ok || cur != h {
		return false
	}
	delete(s.held, h.Source)
	if h.Source == domain.SourceCamera || h.Source == domain.SourceMicrophone {
		s.combined = false
	}
	return true
}

func (s *MediaService) Handle(src domain.SourceKind) (*port.MediaHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[src]
	return h, ok
}

// Release stops the handle's track. Releasing twice is a no-op.
func (s *MediaService) Release(h *port.MediaHandle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.forget(h)
	s.mu.Unlock()
	h.Track.Stop()
}

func (s *MediaService) ReleaseAll() {
	s.mu.Lock()
	handles := make([]*port.MediaHandle, 0, len(s.held))
	for _, h := range s.held {
		handles = append(handles, h)
	}
	s.held = make(map[domain.SourceKind]*port.MediaHandle)
	s.combined = false
	s.mu.Unlock()

	for _, h := range handles {
		h.Track.Stop()
	}
}

// SetTrackEnabled toggles the source without stopping capture. It reports
// false when the source is not held.
func (s *MediaService) SetTrackEnabled(src domain.SourceKind, enabled bool) bool {
	h, ok := s.Handle(src)
	if !ok {
		return false
	}
	h.Track.SetEnabled(enabled)
	return true
}

// HardRelease stops the source. When the camera was captured together with
// the microphone, the microphone is captured again on its own and the
// replacement handle is returned; otherwise the returned handle is nil.
func (s *MediaService) HardRelease(ctx context.Context, src domain.SourceKind) (*port.MediaHandle, error) {
	s.mu.Lock()
	h, ok := s.held[src]
	combined := s.combined
	mic := s.held[domain.SourceMicrophone]
	if ok {
		s.forget(h)
	}
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}
	if src != domain.SourceCamera || !combined || mic == nil {
		h.Track.Stop()
		return nil, nil
	}

	tracks, err := s.devices.GetUserMedia(ctx, s.profiles.Constraints(domain.SourceMicrophone))
	h.Track.Stop()
	if err != nil {
		return nil, fmt.Errorf("reacquire microphone: %w", err)
	}
	var fresh port.LocalTrack
	for _, t := range tracks {
		if t.Source() == domain.SourceMicrophone && fresh == nil {
			fresh = t
			continue
		}
		t.Stop()
	}
	if fresh == nil {
		return nil, fmt.Errorf("reacquire microphone: %w", domain.ErrDeviceNotFound)
	}
	fresh.SetEnabled(mic.Track.Enabled())

	s.mu.Lock()
	if err := ctx.Err(); err != nil || s.held[domain.SourceMicrophone] != mic {
		s.mu.Unlock()
		fresh.Stop()
		if err == nil {
			err = fmt.Errorf("reacquire microphone: %w", domain.ErrNoCall)
		}
		return nil, err
	}
	replacement := &port.MediaHandle{Source: domain.SourceMicrophone, Track: fresh, Profile: domain.ProfileAudio}
	s.held[domain.SourceMicrophone] = replacement
	s.watch(replacement)
	s.mu.Unlock()

	mic.Track.Stop()
	log.Debug().Msg("Microphone recaptured after camera release")
	return replacement, nil
}

func stopAll(tracks []port.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
