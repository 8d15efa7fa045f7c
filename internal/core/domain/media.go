package domain

type SourceKind string

const (
	SourceCamera        SourceKind = "camera"
	SourceMicrophone    SourceKind = "microphone"
	SourceScreenCapture SourceKind = "screen"
)

// TrackKind is the RTP media kind a source is sent as.
func (k SourceKind) TrackKind() TrackKind {
	if k == SourceMicrophone {
		return TrackAudio
	}
	return TrackVideo
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type Profile string

const (
	ProfileAudio  Profile = "audio"
	ProfileVideo  Profile = "video"
	ProfileScreen Profile = "screen"
)

// Sources lists the hardware sources a profile needs.
func (p Profile) Sources() []SourceKind {
	switch p {
	case ProfileVideo:
		return []SourceKind{SourceMicrophone, SourceCamera}
	case ProfileScreen:
		return []SourceKind{SourceScreenCapture}
	default:
		return []SourceKind{SourceMicrophone}
	}
}

type IntRange struct {
	Min   int
	Ideal int
	Max   int
}

type FloatRange struct {
	Min   float64
	Ideal float64
	Max   float64
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	ChannelCount     int
	SampleRate       int
	SampleSize       int
}

type VideoConstraints struct {
	Width       IntRange
	Height      IntRange
	FrameRate   FloatRange
	FacingMode  string
	AspectRatio float64
}

// StreamConstraints selects what a single capture request opens. A nil
// member is not captured.
type StreamConstraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

type MediaProfiles struct {
	Audio  AudioConstraints
	Video  VideoConstraints
	Screen VideoConstraints
}

func DefaultMediaProfiles() MediaProfiles {
	return MediaProfiles{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			ChannelCount:     2,
			SampleRate:       48000,
			SampleSize:       16,
		},
		Video: VideoConstraints{
			Width:       IntRange{Min: 1280, Ideal: 1920},
			Height:      IntRange{Min: 720, Ideal: 1080},
			FrameRate:   FloatRange{Ideal: 30, Max: 60},
			FacingMode:  "user",
			AspectRatio: 16.0 / 9.0,
		},
		Screen: VideoConstraints{
			FrameRate: FloatRange{Ideal: 15, Max: 30},
		},
	}
}

// Constraints builds the capture request for the given sources.
func (p MediaProfiles) Constraints(sources ...SourceKind) StreamConstraints {
	var c StreamConstraints
	for _, s := range sources {
		switch s {
		case SourceMicrophone:
			a := p.Audio
			c.Audio = &a
		case SourceCamera:
			v := p.Video
			c.Video = &v
		case SourceScreenCapture:
			v := p.Screen
			c.Video = &v
		}
	}
	return c
}
