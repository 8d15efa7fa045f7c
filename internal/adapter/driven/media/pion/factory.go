package pion

import (
	"fmt"

	"github.com/Wyydra/ya/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory builds one pion-backed PeerSession per call. All sessions share
// the same API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

type Option func(*options)

type options struct {
	setting *webrtc.SettingEngine
}

// WithSettingEngine overrides pion's transport settings, mostly for tests.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(o *options) { o.setting = &se }
}

func NewFactory(iceServers []webrtc.ICEServer, opts ...Option) (*Factory, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	apiOpts := []func(*webrtc.API){
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	}
	if o.setting != nil {
		apiOpts = append(apiOpts, webrtc.WithSettingEngine(*o.setting))
	}

	log.Debug().Int("ice_servers", len(iceServers)).Msg("Peer session factory ready")
	return &Factory{
		api:    webrtc.NewAPI(apiOpts...),
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

func (f *Factory) NewSession(cfg port.SessionConfig) (port.PeerSession, error) {
	if cfg.Signaling == nil {
		return nil, fmt.Errorf("peer session for %s: no signaling", cfg.Peer)
	}
	return newSession(f.api, f.config, cfg), nil
}
