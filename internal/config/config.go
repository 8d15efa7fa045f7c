// Package config loads relay and client settings. Defaults are applied
// first, then an optional INI file, then environment variables (a .env file
// in the working directory is honored).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	ini "gopkg.in/ini.v1"
)

var (
	ErrMissingSecret = errors.New("auth secret is required")
	ErrMissingToken  = errors.New("a relay token or the auth secret is required")
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Signaling SignalingConfig
	Call      CallConfig
	ICE       ICEConfig
	Media     domain.MediaProfiles
	Log       LogConfig
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	// RateLimit is inbound signals per second per connection. Zero disables it.
	RateLimit float64
	Burst     int
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type SignalingConfig struct {
	URL string
	// Token authenticates the client to the relay. When empty the client
	// mints its own from Auth.Secret.
	Token string
}

type CallConfig struct {
	AnswerTimeout          time.Duration
	ReleaseCameraOnDisable bool
}

type ICEConfig struct {
	STUN           []string
	TURN           []string
	TURNUsername   string
	TURNCredential string
}

type LogConfig struct {
	Level string
	// File enables a rotated log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			RateLimit:      50,
			Burst:          100,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Signaling: SignalingConfig{
			URL: "ws://localhost:8080/ws",
		},
		Call: CallConfig{
			AnswerTimeout: 10 * time.Second,
		},
		ICE: ICEConfig{
			STUN: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			TURN: []string{
				"turn:openrelay.metered.ca:80",
				"turn:openrelay.metered.ca:443",
				"turn:openrelay.metered.ca:443?transport=tcp",
			},
			TURNUsername:   "openrelayproject",
			TURNCredential: "openrelayproject",
		},
		Media: domain.DefaultMediaProfiles(),
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 1,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg.apply(f)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays the values present in f.
func (c *Config) apply(f *ini.File) {
	sec := f.Section("server")
	c.Server.Addr = sec.Key("addr").MustString(c.Server.Addr)
	if sec.HasKey("allowed_origins") {
		c.Server.AllowedOrigins = sec.Key("allowed_origins").Strings(",")
	}
	c.Server.RateLimit = sec.Key("rate_limit").MustFloat64(c.Server.RateLimit)
	c.Server.Burst = sec.Key("burst").MustInt(c.Server.Burst)

	sec = f.Section("auth")
	c.Auth.Secret = sec.Key("secret").MustString(c.Auth.Secret)
	c.Auth.TokenTTL = sec.Key("token_ttl").MustDuration(c.Auth.TokenTTL)

	sec = f.Section("signaling")
	c.Signaling.URL = sec.Key("url").MustString(c.Signaling.URL)
	c.Signaling.Token = sec.Key("token").MustString(c.Signaling.Token)

	sec = f.Section("call")
	c.Call.AnswerTimeout = sec.Key("answer_timeout").MustDuration(c.Call.AnswerTimeout)
	c.Call.ReleaseCameraOnDisable = sec.Key("release_camera_on_disable").MustBool(c.Call.ReleaseCameraOnDisable)

	sec = f.Section("ice")
	if sec.HasKey("stun") {
		c.ICE.STUN = sec.Key("stun").Strings(",")
	}
	if sec.HasKey("turn") {
		c.ICE.TURN = sec.Key("turn").Strings(",")
	}
	c.ICE.TURNUsername = sec.Key("turn_username").MustString(c.ICE.TURNUsername)
	c.ICE.TURNCredential = sec.Key("turn_credential").MustString(c.ICE.TURNCredential)

	sec = f.Section("media.audio")
	a := &c.Media.Audio
	a.EchoCancellation = sec.Key("echo_cancellation").MustBool(a.EchoCancellation)
	a.NoiseSuppression = sec.Key("noise_suppression").MustBool(a.NoiseSuppression)
	a.AutoGainControl = sec.Key("auto_gain_control").MustBool(a.AutoGainControl)
	a.ChannelCount = sec.Key("channel_count").MustInt(a.ChannelCount)
	a.SampleRate = sec.Key("sample_rate").MustInt(a.SampleRate)
	a.SampleSize = sec.Key("sample_size").MustInt(a.SampleSize)

	applyVideo(f.Section("media.video"), &c.Media.Video)
	applyVideo(f.Section("media.screen"), &c.Media.Screen)

	sec = f.Section("log")
	c.Log.Level = sec.Key("level").MustString(c.Log.Level)
	c.Log.File = sec.Key("file").MustString(c.Log.File)
	c.Log.MaxSizeMB = sec.Key("max_size_mb").MustInt(c.Log.MaxSizeMB)
	c.Log.MaxBackups = sec.Key("max_backups").MustInt(c.Log.MaxBackups)
}

func applyVideo(sec *ini.Section, v *domain.VideoConstraints) {
	v.Width.Min = sec.Key("width_min").MustInt(v.Width.Min)
	v.Width.Ideal = sec.Key("width").MustInt(v.Width.Ideal)
	v.Width.Max = sec.Key("width_max").MustInt(v.Width.Max)
	v.Height.Min = sec.Key("height_min").MustInt(v.Height.Min)
	v.Height.Ideal = sec.Key("height").MustInt(v.Height.Ideal)
	v.Height.Max = sec.Key("height_max").MustInt(v.Height.Max)
	v.FrameRate.Min = sec.Key("frame_rate_min").MustFloat64(v.FrameRate.Min)
	v.FrameRate.Ideal = sec.Key("frame_rate").MustFloat64(v.FrameRate.Ideal)
	v.FrameRate.Max = sec.Key("frame_rate_max").MustFloat64(v.FrameRate.Max)
	v.FacingMode = sec.Key("facing_mode").MustString(v.FacingMode)
	v.AspectRatio = sec.Key("aspect_ratio").MustFloat64(v.AspectRatio)
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("YA_ADDR", c.Server.Addr)
	if v := getEnv("YA_ALLOWED_ORIGINS", ""); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	c.Auth.Secret = getEnv("YA_JWT_SECRET", c.Auth.Secret)
	c.Signaling.URL = getEnv("YA_SIGNALING_URL", c.Signaling.URL)
	c.Signaling.Token = getEnv("YA_TOKEN", c.Signaling.Token)
	c.Log.Level = getEnv("YA_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("YA_LOG_FILE", c.Log.File)

	if v := getEnv("YA_RATE_LIMIT", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid YA_RATE_LIMIT: %w", err)
		}
		c.Server.RateLimit = f
	}
	if v := getEnv("YA_ANSWER_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid YA_ANSWER_TIMEOUT: %w", err)
		}
		c.Call.AnswerTimeout = d
	}
	if v := getEnv("YA_RELEASE_CAMERA_ON_DISABLE", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid YA_RELEASE_CAMERA_ON_DISABLE: %w", err)
		}
		c.Call.ReleaseCameraOnDisable = b
	}
	return nil
}

// Validate checks the settings both binaries depend on.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return ErrMissingSecret
	}
	if c.Call.AnswerTimeout <= 0 {
		return fmt.Errorf("answer timeout must be positive, got %s", c.Call.AnswerTimeout)
	}
	return nil
}

// ValidateClient checks a call client's settings. A client needs either a
// relay token or the secret to mint one.
func (c *Config) ValidateClient() error {
	if c.Signaling.Token == "" && c.Auth.Secret == "" {
		return ErrMissingToken
	}
	if c.Call.AnswerTimeout <= 0 {
		return fmt.Errorf("answer timeout must be positive, got %s", c.Call.AnswerTimeout)
	}
	return nil
}

// ICEServers converts the ICE section into pion's representation.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range c.ICE.STUN {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	for _, u := range c.ICE.TURN {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{u},
			Username:   c.ICE.TURNUsername,
			Credential: c.ICE.TURNCredential,
		})
	}
	return servers
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
