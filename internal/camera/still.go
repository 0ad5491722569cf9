package camera

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
)

// Compile-time interface check.
var _ MediaDevices = (*StillDevices)(nil)

// StillDevices is a MediaDevices backed by an image file. Every stream it
// opens shows that image as its only frame. It stands in for a camera on
// machines that have none.
type StillDevices struct {
	path string
}

// NewStillDevices creates a still-image camera for the file at path.
func NewStillDevices(path string) *StillDevices {
	return &StillDevices{path: path}
}

// GetUserMedia opens the image. The facing constraint is ignored.
func (d *StillDevices) GetUserMedia(ctx context.Context, c *VideoConstraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Name: "AbortError", Message: err.Error()}
	}
	img, err := imaging.Open(d.path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DeviceError{Name: "NotFoundError", Message: err.Error()}
	}
	return &stillStream{img: img, track: &stillTrack{state: TrackLive}}, nil
}

// EnumerateDevices reports a single video input.
func (d *StillDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{{
		DeviceID: "still:" + filepath.Base(d.path),
		Label:    "Still image (" + filepath.Base(d.path) + ")",
		Kind:     "videoinput",
	}}, nil
}

type stillStream struct {
	img   image.Image
	track *stillTrack
}

func (s *stillStream) Tracks() []Track                 { return []Track{s.track} }
func (s *stillStream) Ready(ctx context.Context) error { return ctx.Err() }

func (s *stillStream) Frame() (image.Image, error) {
	if s.track.ReadyState() != TrackLive {
		return nil, errors.New("track ended")
	}
	return s.img, nil
}

type stillTrack struct {
	mu    sync.Mutex
	state TrackState
}

func (t *stillTrack) Kind() string                    { return "video" }
func (t *stillTrack) Capabilities() TrackCapabilities { return TrackCapabilities{} }

func (t *stillTrack) Stop() {
	t.mu.Lock()
	t.state = TrackEnded
	t.mu.Unlock()
}

func (t *stillTrack) ReadyState() TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stillTrack) ApplyConstraints(ctx context.Context, c TrackConstraints) error {
	if c.Torch != nil {
		return &DeviceError{Name: "OverconstrainedError", Message: "torch"}
	}
	return nil
}
