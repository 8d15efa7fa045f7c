package domain

type CallState string

const (
	CallIdle     CallState = "idle"
	CallCalling  CallState = "calling"
	CallIncoming CallState = "incoming"
	CallOngoing  CallState = "ongoing"
)

type CallType string

const (
	CallTypeNone  CallType = ""
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Profile returns the acquisition profile a call of this type starts with.
func (t CallType) Profile() Profile {
	if t == CallTypeVideo {
		return ProfileVideo
	}
	return ProfileAudio
}

type ControlType string

const (
	ControlCamera      ControlType = "camera"
	ControlMicrophone  ControlType = "microphone"
	ControlScreenShare ControlType = "screenShare"
)

type MediaControls struct {
	Camera      bool `json:"camera"`
	Microphone  bool `json:"microphone"`
	ScreenShare bool `json:"screenShare"`
}

// DefaultLocalControls is the idle state of the local side. The microphone
// stays enabled between calls; muting is scoped to a single call.
func DefaultLocalControls() MediaControls {
	return MediaControls{Microphone: true}
}

// ControlsFor is what a side advertises when it enters a call of type t.
func ControlsFor(t CallType) MediaControls {
	return MediaControls{Camera: t == CallTypeVideo, Microphone: true}
}

func (c MediaControls) With(control ControlType, enabled bool) MediaControls {
	switch control {
	case ControlCamera:
		c.Camera = enabled
	case ControlMicrophone:
		c.Microphone = enabled
	case ControlScreenShare:
		c.ScreenShare = enabled
	}
	return c
}

// CallSnapshot is the read-only view of the call published to the UI.
type CallSnapshot struct {
	State    CallState
	CallID   CallID
	CallType CallType
	Peer     UserID
	Local    MediaControls
	Remote   MediaControls
	// RemoteVideoEnabled mirrors Remote.Camera for older overlays.
	RemoteVideoEnabled bool
	Upgraded           bool
}

func IdleSnapshot() CallSnapshot {
	return CallSnapshot{
		State: CallIdle,
		Local: DefaultLocalControls(),
	}
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)
