//go:build !linux

package main

import (
	"time"

	"github.com/Wyydra/ya/internal/adapter/driven/media/devices"
	"github.com/Wyydra/ya/internal/core/port"
	"github.com/rs/zerolog/log"
)

// newDevices falls back to generated media; capture drivers are only
// registered on Linux.
func newDevices(synthetic bool) (port.MediaDevices, error) {
	if !synthetic {
		log.Warn().Msg("No capture drivers on this platform, using synthetic media")
	}
	return devices.NewSynthetic(20 * time.Millisecond), nil
}
