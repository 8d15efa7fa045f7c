// Package devices captures camera, microphone and screen through
// pion/mediadevices. Drivers and encoders are registered by the binary.
package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/Wyydra/ya/internal/adapter/driven/media/track"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultMTU = 1200

// Capture implements port.MediaDevices.
type Capture struct {
	codecs *mediadevices.CodecSelector
	mtu    int
}

func NewCapture(codecs *mediadevices.CodecSelector) *Capture {
	return &Capture{codecs: codecs, mtu: defaultMTU}
}

func (c *Capture) GetUserMedia(ctx context.Context, cons domain.StreamConstraints) ([]port.LocalTrack, error) {
	mc := mediadevices.MediaStreamConstraints{Codec: c.codecs}
	if cons.Audio != nil {
		mc.Audio = audioConstraints(*cons.Audio)
	}
	if cons.Video != nil {
		mc.Video = videoConstraints(*cons.Video)
	}

	stream, err := mediadevices.GetUserMedia(mc)
	if err != nil {
		return nil, classify(err, cons.Video != nil, driver.Camera)
	}
	return c.wrap(ctx, stream.GetTracks(), domain.SourceCamera)
}

func (c *Capture) GetDisplayMedia(ctx context.Context, cons domain.VideoConstraints) ([]port.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: videoConstraints(cons),
		Codec: c.codecs,
	})
	if err != nil {
		return nil, classify(err, true, driver.Screen)
	}
	return c.wrap(ctx, stream.GetTracks(), domain.SourceScreenCapture)
}

// audioConstraints maps the sample format. mediadevices has no echo
// cancellation, noise suppression or gain control properties, so those
// fields of the profile do not reach the driver.
func audioConstraints(a domain.AudioConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(t *mediadevices.MediaTrackConstraints) {
		if a.ChannelCount > 0 {
			t.ChannelCount = prop.Int(a.ChannelCount)
		}
		if a.SampleRate > 0 {
			t.SampleRate = prop.Int(a.SampleRate)
		}
		if a.SampleSize > 0 {
			t.SampleSize = prop.Int(a.SampleSize)
		}
	}
}

func videoConstraints(v domain.VideoConstraints) func(*mediadevices.MediaTrackConstraints) {
	return func(t *mediadevices.MediaTrackConstraints) {
		if v.Width != (domain.IntRange{}) {
			t.Width = prop.IntRanged{Min: v.Width.Min, Ideal: v.Width.Ideal, Max: v.Width.Max}
		}
		if v.Height != (domain.IntRange{}) {
			t.Height = prop.IntRanged{Min: v.Height.Min, Ideal: v.Height.Ideal, Max: v.Height.Max}
		}
		if v.FrameRate != (domain.FloatRange{}) {
			t.FrameRate = prop.FloatRanged{
				Min:   float32(v.FrameRate.Min),
				Ideal: float32(v.FrameRate.Ideal),
				Max:   float32(v.FrameRate.Max),
			}
		}
	}
}

// classify maps a capture failure onto the acquisition error kinds.
func classify(err error, video bool, kind driver.DeviceType) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", domain.ErrDeviceBusy, err)
	}

	want := []driver.DeviceType{driver.Microphone}
	if video {
		want = append(want, kind)
	}
	for _, dt := range want {
		if !hasDevice(dt) {
			return fmt.Errorf("%w: no %s: %v", domain.ErrDeviceNotFound, dt, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrConstraintsNotSatisfiable, err)
}

func hasDevice(dt driver.DeviceType) bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.DeviceType == dt {
			return true
		}
	}
	return false
}

func (c *Capture) wrap(ctx context.Context, src []mediadevices.Track, video domain.SourceKind) ([]port.LocalTrack, error) {
	closeAll := func() {
		for _, t := range src {
			t.Close()
		}
	}
	if err := ctx.Err(); err != nil {
		closeAll()
		return nil, err
	}

	streamID := "local-" + string(video)
	out := make([]port.LocalTrack, 0, len(src))
	for _, md := range src {
		source := video
		if md.Kind() == webrtc.RTPCodecTypeAudio {
			source = domain.SourceMicrophone
		}
		local, err := track.New(source, streamID, func() { md.Close() })
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("create local track: %w", err)
		}
		md.OnEnded(func(err error) {
			if err != nil && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track", local.ID()).Msg("Capture ended")
			}
			local.End()
		})
		if err := c.pump(md, local); err != nil {
			local.Stop()
			closeAll()
			return nil, err
		}
		out = append(out, local)
	}
	return out, nil
}

// pump copies encoded packets from the capture into the local track until
// either side ends.
func (c *Capture) pump(md mediadevices.Track, local *track.Local) error {
	mime := local.Codec().MimeType
	name := mime[strings.IndexByte(mime, '/')+1:]
	reader, err := md.NewRTPReader(name, rand.Uint32(), c.mtu)
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}

	go func() {
		defer reader.Close()
		for {
			pkts, release, err := reader.Read()
			if release == nil {
				release = func() {}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("track", local.ID()).Msg("RTP reader stopped")
				}
				local.End()
				return
			}
			for _, p := range pkts {
				if err := local.WriteRTP(p); errors.Is(err, track.ErrEnded) {
					release()
					return
				}
			}
			release()
		}
	}()
	return nil
}
