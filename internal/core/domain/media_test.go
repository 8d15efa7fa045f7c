package domain

import (
	"fmt"
	"strings"
	"testing"
)

func TestProfileSources(t *testing.T) {
	if got := ProfileVideo.Sources(); len(got) != 2 || got[0] != SourceMicrophone || got[1] != SourceCamera {
		t.Errorf("video sources = %v", got)
	}
	if got := ProfileAudio.Sources(); len(got) != 1 || got[0] != SourceMicrophone {
		t.Errorf("audio sources = %v", got)
	}
	if got := ProfileScreen.Sources(); len(got) != 1 || got[0] != SourceScreenCapture {
		t.Errorf("screen sources = %v", got)
	}
}

func TestConstraints(t *testing.T) {
	p := DefaultMediaProfiles()

	c := p.Constraints(SourceMicrophone)
	if c.Audio == nil || c.Video != nil {
		t.Fatalf("mic only = %+v", c)
	}
	if c.Audio.SampleRate != 48000 || !c.Audio.EchoCancellation {
		t.Errorf("audio = %+v", *c.Audio)
	}

	c = p.Constraints(SourceMicrophone, SourceCamera)
	if c.Audio == nil || c.Video == nil {
		t.Fatalf("mic+camera = %+v", c)
	}
	if c.Video.Width.Min != 1280 || c.Video.Height.Ideal != 1080 || c.Video.FrameRate.Max != 60 {
		t.Errorf("video = %+v", *c.Video)
	}

	c.Video.Width.Ideal = 1
	if p.Video.Width.Ideal != 1920 {
		t.Error("constraints alias the profile")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{ErrPermissionDenied, KindPermissionDenied},
		{fmt.Errorf("acquire video: %w", ErrDeviceBusy), KindDeviceBusy},
		{fmt.Errorf("x: %w", ErrInvalidOffer), KindInvalidOffer},
		{ErrSignalingUnavailable, KindSignalingUnavailable},
		{fmt.Errorf("boom"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestMediaErrorMessage(t *testing.T) {
	tests := []struct {
		err    error
		source SourceKind
		want   string
	}{
		{ErrPermissionDenied, SourceCamera, "Camera access denied"},
		{ErrPermissionDenied, SourceMicrophone, "Microphone access denied"},
		{ErrDeviceNotFound, SourceCamera, "No camera device found"},
		{ErrDeviceBusy, SourceMicrophone, "already in use"},
		{fmt.Errorf("weird"), SourceScreenCapture, "Failed to access screen"},
	}
	for _, tt := range tests {
		if got := MediaErrorMessage(tt.err, tt.source); !strings.Contains(got, tt.want) {
			t.Errorf("MediaErrorMessage(%v, %s) = %q, want it to contain %q", tt.err, tt.source, got, tt.want)
		}
	}
}

func TestControls(t *testing.T) {
	if c := ControlsFor(CallTypeVideo); !c.Camera || !c.Microphone || c.ScreenShare {
		t.Errorf("video controls = %+v", c)
	}
	if c := ControlsFor(CallTypeAudio); c.Camera || !c.Microphone {
		t.Errorf("audio controls = %+v", c)
	}
	c := DefaultLocalControls().With(ControlScreenShare, true).With(ControlMicrophone, false)
	if !c.ScreenShare || c.Microphone {
		t.Errorf("With = %+v", c)
	}
	if CallType("fax").Valid() || CallTypeNone.Valid() {
		t.Error("unexpected valid call type")
	}
}
