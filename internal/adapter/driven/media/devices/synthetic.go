package devices

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/media/track"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/rtp"
)

// Synthetic is a capture backend without hardware. Its tracks emit
// placeholder RTP packets so the far end sees media arrive.
type Synthetic struct {
	interval time.Duration

	mu       sync.Mutex
	fail     map[domain.SourceKind]error
	live     map[*track.Local]struct{}
	captures int
}

func NewSynthetic(interval time.Duration) *Synthetic {
	return &Synthetic{
		interval: interval,
		fail:     make(map[domain.SourceKind]error),
		live:     make(map[*track.Local]struct{}),
	}
}

// Fail makes captures of src return err. A nil err clears it.
func (s *Synthetic) Fail(src domain.SourceKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, src)
		return
	}
	s.fail[src] = err
}

// Captures counts successful capture requests.
func (s *Synthetic) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

// Live returns the tracks that have not been stopped yet, optionally
// filtered by source.
func (s *Synthetic) Live(sources ...domain.SourceKind) []*track.Local {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*track.Local
	for t := range s.live {
		if len(sources) == 0 {
			out = append(out, t)
			continue
		}
		for _, src := range sources {
			if t.Source() == src {
				out = append(out, t)
			}
		}
	}
	return out
}

// EndScreenCapture ends every live screen track as if the user stopped
// sharing from the system UI.
func (s *Synthetic) EndScreenCapture() {
	for _, t := range s.Live(domain.SourceScreenCapture) {
		t.End()
	}
}

func (s *Synthetic) GetUserMedia(ctx context.Context, c domain.StreamConstraints) ([]port.LocalTrack, error) {
	var sources []domain.SourceKind
	if c.Audio != nil {
		sources = append(sources, domain.SourceMicrophone)
	}
	if c.Video != nil {
		sources = append(sources, domain.SourceCamera)
	}
	return s.capture(ctx, sources)
}

func (s *Synthetic) GetDisplayMedia(ctx context.Context, _ domain.VideoConstraints) ([]port.LocalTrack, error) {
	return s.capture(ctx, []domain.SourceKind{domain.SourceScreenCapture})
}

func (s *Synthetic) capture(ctx context.Context, sources []domain.SourceKind) ([]port.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, src := range sources {
		if err := s.fail[src]; err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.captures++
	s.mu.Unlock()

	out := make([]port.LocalTrack, 0, len(sources))
	for _, src := range sources {
		done := make(chan struct{})
		var local *track.Local
		local, err := track.New(src, "synthetic", func() {
			close(done)
			s.mu.Lock()
			delete(s.live, local)
			s.mu.Unlock()
		})
		if err != nil {
			for _, t := range out {
				t.Stop()
			}
			return nil, err
		}
		s.mu.Lock()
		s.live[local] = struct{}{}
		s.mu.Unlock()
		go s.emit(local, done)
		out = append(out, local)
	}
	return out, nil
}

func (s *Synthetic) emit(t *track.Local, done <-chan struct{}) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	payload := []byte{0xf8, 0xff, 0xfe}
	step := uint32(960)
	if t.Kind() == domain.TrackVideo {
		payload = []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
		step = 3000
	}
	var seq uint16
	var ts uint32
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			seq++
			ts += step
			_ = t.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					SequenceNumber: seq,
					Timestamp:      ts,
				},
				Payload: payload,
			})
		}
	}
}
