//go:build linux

package main

import (
	"fmt"
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/media/devices"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)

// newDevices captures through V4L2, malgo and X11 with VP8 and Opus encoders.
func newDevices(synthetic bool) (port.MediaDevices, error) {
	if synthetic {
		return devices.NewSynthetic(20 * time.Millisecond), nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms

	return devices.NewCapture(mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)), nil
}
