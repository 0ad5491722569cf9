// Package cameratest provides in-memory camera devices for tests.
package cameratest

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/franckalain/mealscan/internal/camera"
)

// Compile-time interface check.
var _ camera.MediaDevices = (*Devices)(nil)

// Devices is a scriptable camera.MediaDevices. Errors queued in Fail are
// returned by successive GetUserMedia calls before streams are handed out.
type Devices struct {
	mu       sync.Mutex
	Fail     []error
	Torch    bool
	Frame    image.Image
	Requests []*camera.VideoConstraints
	Streams  []*Stream
}

// New returns devices whose streams show a 64x48 frame split red/blue
// down the middle.
func New() *Devices {
	return &Devices{Frame: SplitFrame(64, 48)}
}

// GetUserMedia records the request and returns the next scripted result.
func (d *Devices) GetUserMedia(ctx context.Context, c *camera.VideoConstraints) (camera.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Requests = append(d.Requests, c)
	if len(d.Fail) > 0 {
		err := d.Fail[0]
		d.Fail = d.Fail[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &Stream{frame: d.Frame, track: &Track{torch: d.Torch, state: camera.TrackLive}}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// EnumerateDevices reports one camera and one microphone.
func (d *Devices) EnumerateDevices(ctx context.Context) ([]camera.DeviceInfo, error) {
	return []camera.DeviceInfo{
		{DeviceID: "cam-0", Label: "Back Camera", Kind: "videoinput"},
		{DeviceID: "mic-0", Label: "Microphone", Kind: "audioinput"},
	}, nil
}

// RequestCount returns how many GetUserMedia calls were made.
func (d *Devices) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

// AllStreams returns every stream handed out so far.
func (d *Devices) AllStreams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.Streams...)
}

// Stream is a fake camera.Stream.
type Stream struct {
	frame image.Image
	track *Track
}

func (s *Stream) Tracks() []camera.Track          { return []camera.Track{s.track} }
func (s *Stream) Ready(ctx context.Context) error { return ctx.Err() }
func (s *Stream) Frame() (image.Image, error)     { return s.frame, nil }
func (s *Stream) VideoTrack() *Track              { return s.track }

// Track is a fake camera.Track that records applied constraints.
type Track struct {
	mu      sync.Mutex
	torch   bool
	state   camera.TrackState
	Applied []camera.TrackConstraints
}

func (t *Track) Kind() string { return "video" }

func (t *Track) Stop() {
	t.mu.Lock()
	t.state = camera.TrackEnded
	t.mu.Unlock()
}

func (t *Track) ReadyState() camera.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) Capabilities() camera.TrackCapabilities {
	return camera.TrackCapabilities{Torch: t.torch}
}

func (t *Track) ApplyConstraints(ctx context.Context, c camera.TrackConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Applied = append(t.Applied, c)
	return nil
}

// SplitFrame returns a w x h image, red on the left half and blue on the right.
func SplitFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= w/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}
