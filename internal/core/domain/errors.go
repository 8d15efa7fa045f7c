package domain

import "errors"

var (
	ErrPermissionDenied          = errors.New("permission denied")
	ErrDeviceNotFound            = errors.New("device not found")
	ErrDeviceBusy                = errors.New("device busy")
	ErrConstraintsNotSatisfiable = errors.New("constraints not satisfiable")

	ErrInvalidOffer         = errors.New("invalid session description")
	ErrNoActiveConnection   = errors.New("no active peer connection")
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	ErrCallInProgress  = errors.New("a call is already in progress")
	ErrNoCall          = errors.New("no call in the required state")
	ErrInvalidCallType = errors.New("invalid call type")
)

type ErrorKind string

const (
	KindPermissionDenied          ErrorKind = "PermissionDenied"
	KindDeviceNotFound            ErrorKind = "DeviceNotFound"
	KindDeviceBusy                ErrorKind = "DeviceBusy"
	KindConstraintsNotSatisfiable ErrorKind = "ConstraintsNotSatisfiable"
	KindInvalidOffer              ErrorKind = "InvalidOffer"
	KindNoActiveConnection        ErrorKind = "NoActiveConnection"
	KindSignalingUnavailable      ErrorKind = "SignalingUnavailable"
	KindUnknown                   ErrorKind = "Unknown"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrDeviceNotFound, KindDeviceNotFound},
	{ErrDeviceBusy, KindDeviceBusy},
	{ErrConstraintsNotSatisfiable, KindConstraintsNotSatisfiable},
	{ErrInvalidOffer, KindInvalidOffer},
	{ErrNoActiveConnection, KindNoActiveConnection},
	{ErrSignalingUnavailable, KindSignalingUnavailable},
}

func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// MediaErrorMessage is the user-facing text for a failed acquisition of source.
func MediaErrorMessage(err error, source SourceKind) string {
	name := "Microphone"
	switch source {
	case SourceCamera:
		name = "Camera"
	case SourceScreenCapture:
		name = "Screen capture"
	}
	switch KindOf(err) {
	case KindPermissionDenied:
		return name + " access denied. Please allow permissions."
	case KindDeviceNotFound:
		return "No " + string(source) + " device found. Please connect a " + string(source) + " and try again."
	case KindDeviceBusy:
		return name + " is already in use by another application."
	case KindConstraintsNotSatisfiable:
		return name + " does not support the requested quality settings."
	default:
		return "Failed to access " + string(source) + ". Please try again."
	}
}
