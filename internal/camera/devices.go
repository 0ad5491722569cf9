// Package camera produces one still image per scan attempt from a live
// camera stream or a picked file.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Errors returned by the Manager. Callers show a specific message per case.
var (
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceBusy        = errors.New("camera in use by another application")
	ErrCaptureFailed     = errors.New("capture failed")
	ErrFlashUnsupported  = errors.New("flash not supported on this camera")
	ErrStopped           = errors.New("camera stopped while starting")
)

// FacingMode selects the front or back camera.
type FacingMode string

const (
	FacingEnvironment FacingMode = "environment"
	FacingUser        FacingMode = "user"
)

// Opposite returns the other facing mode.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// VideoConstraints is a video request. A nil *VideoConstraints asks for any camera.
type VideoConstraints struct {
	FacingMode FacingMode
	Width      int // ideal, 0 = native
	Height     int
}

// DeviceInfo describes one media device.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Label    string `json:"label"`
	Kind     string `json:"kind"` // "videoinput", "audioinput", ...
}

// TrackState mirrors MediaStreamTrack.readyState.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// TrackCapabilities reports what a track can do.
type TrackCapabilities struct {
	Torch bool
}

// TrackConstraints are applied to a running track.
type TrackConstraints struct {
	Torch *bool
}

// MediaDevices is the platform media API.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c *VideoConstraints) (Stream, error)
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)
}

// Stream is an open camera stream attached to a video surface.
type Stream interface {
	Tracks() []Track
	// Ready blocks until stream metadata (dimensions) is available.
	Ready(ctx context.Context) error
	// Frame returns the current video frame at native resolution.
	Frame() (image.Image, error)
}

// Track is one media track of a Stream.
type Track interface {
	Kind() string
	Stop()
	ReadyState() TrackState
	Capabilities() TrackCapabilities
	ApplyConstraints(ctx context.Context, c TrackConstraints) error
}

// DeviceError is a failure reported by the platform. Name follows the
// DOMException names browsers use.
type DeviceError struct {
	Name    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// classify maps a platform failure onto the Manager's errors.
func classify(err error) error {
	var de *DeviceError
	if !errors.As(err, &de) {
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	switch de.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case "NotReadableError", "TrackStartError", "AbortError":
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	default:
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
}
