package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/models"
)

// FlashMode is the torch setting of the camera.
type FlashMode int

const (
	FlashOff FlashMode = iota
	FlashOn
	FlashAuto
)

// String returns a human-readable flash mode.
func (f FlashMode) String() string {
	switch f {
	case FlashOff:
		return "off"
	case FlashOn:
		return "on"
	case FlashAuto:
		return "auto"
	default:
		return "unknown"
	}
}

func (f FlashMode) next() FlashMode {
	switch f {
	case FlashOff:
		return FlashOn
	case FlashOn:
		return FlashAuto
	default:
		return FlashOff
	}
}

// Option configures the Manager.
type Option func(*Manager)

// WithJPEGQuality sets the encoder quality (1-100).
func WithJPEGQuality(q int) Option {
	return func(m *Manager) {
		if q > 0 && q <= 100 {
			m.quality = q
		}
	}
}

// Manager owns the single active camera stream. All methods are safe for
// concurrent use.
type Manager struct {
	devices MediaDevices
	blobs   *blob.Registry
	log     logrus.FieldLogger
	quality int

	mu     sync.Mutex
	stream Stream
	facing FacingMode
	flash  FlashMode
	busy   bool   // start or switch in flight
	epoch  uint64 // bumped by Stop so in-flight starts discard their stream
}

// NewManager creates a Manager. devices may be nil on platforms without a
// media API; Start then fails with ErrCameraUnavailable but file loading
// still works.
func NewManager(devices MediaDevices, blobs *blob.Registry, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		devices: devices,
		blobs:   blobs,
		log:     log,
		quality: 85,
		facing:  FacingEnvironment,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the camera with the given facing mode, replacing any
// previous stream. It returns once stream metadata has loaded. A call made
// while another start or switch is in flight is a no-op.
func (m *Manager) Start(ctx context.Context, facing FacingMode) error {
	if m.devices == nil {
		return ErrCameraUnavailable
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		m.log.Debug("camera start ignored: already starting")
		return nil
	}
	m.busy = true
	m.stopLocked()
	m.facing = facing
	epoch := m.epoch
	m.mu.Unlock()

	stream, err := m.open(ctx, facing)
	return m.attach(stream, err, epoch)
}

// Switch toggles between the front and back camera. No-op while a start or
// switch is in flight, or when no stream is active.
func (m *Manager) Switch(ctx context.Context) error {
	m.mu.Lock()
	if m.busy || m.stream == nil {
		m.mu.Unlock()
		return nil
	}
	m.busy = true
	next := m.facing.Opposite()
	m.stopLocked()
	m.facing = next
	epoch := m.epoch
	m.mu.Unlock()

	m.log.WithField("facing", next).Debug("switching camera")
	stream, err := m.open(ctx, next)
	return m.attach(stream, err, epoch)
}

// open requests a stream, falling back to an unconstrained request.
func (m *Manager) open(ctx context.Context, facing FacingMode) (Stream, error) {
	stream, err := m.devices.GetUserMedia(ctx, &VideoConstraints{FacingMode: facing})
	if err != nil {
		m.log.WithError(err).WithField("facing", facing).Warn("constrained camera request failed, retrying unconstrained")
		stream, err = m.devices.GetUserMedia(ctx, nil)
		if err != nil {
			return nil, classify(err)
		}
	}

	if err := stream.Ready(ctx); err != nil {
		stopTracks(stream)
		return nil, fmt.Errorf("%w: waiting for metadata: %v", ErrCameraUnavailable, err)
	}
	return stream, nil
}

func (m *Manager) attach(stream Stream, err error, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false

	if err != nil {
		return err
	}
	if epoch != m.epoch {
		stopTracks(stream)
		return ErrStopped
	}

	m.stream = stream
	m.flash = FlashOff
	m.log.WithField("facing", m.facing).Info("camera active")
	return nil
}

// Capture grabs the current frame and encodes it as JPEG. User-facing
// frames are mirrored so the still matches the preview.
func (m *Manager) Capture() (*models.CapturedImage, error) {
	m.mu.Lock()
	stream := m.stream
	facing := m.facing
	m.mu.Unlock()

	if stream == nil {
		return nil, fmt.Errorf("%w: no active camera", ErrCaptureFailed)
	}

	frame, err := stream.Frame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return m.encode(frame, facing == FacingUser, models.SourceCamera)
}

// Load decodes a picked image file and encodes it the same way as a
// camera capture.
func (m *Manager) Load(r io.Reader) (*models.CapturedImage, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCaptureFailed, err)
	}
	return m.encode(img, false, models.SourceFile)
}

// LoadFile is Load for a path on disk.
func (m *Manager) LoadFile(path string) (*models.CapturedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	defer f.Close()
	return m.Load(f)
}

func (m *Manager) encode(img image.Image, mirror bool, source models.ImageSource) (*models.CapturedImage, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: frame has no pixels", ErrCaptureFailed)
	}
	if mirror {
		img = imaging.FlipH(img)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(m.quality)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCaptureFailed, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: encoder returned no data", ErrCaptureFailed)
	}

	data := buf.Bytes()
	b := img.Bounds()
	captured := &models.CapturedImage{
		ID:          uuid.New().String(),
		URL:         m.blobs.Create(data, "image/jpeg"),
		ContentType: "image/jpeg",
		Data:        data,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Source:      source,
		Mirrored:    mirror,
		CreatedAt:   time.Now(),
	}

	m.log.WithFields(logrus.Fields{
		"source": source,
		"width":  captured.Width,
		"height": captured.Height,
		"bytes":  len(data),
	}).Debug("image captured")
	return captured, nil
}

// ToggleFlash cycles off → on → auto → off. When the active track has no
// torch, the mode is unchanged and ErrFlashUnsupported is returned; callers
// treat it as a notice, not a failure.
func (m *Manager) ToggleFlash(ctx context.Context) (FlashMode, error) {
	m.mu.Lock()
	stream := m.stream
	current := m.flash
	m.mu.Unlock()

	track := videoTrack(stream)
	if track == nil || !track.Capabilities().Torch {
		return current, ErrFlashUnsupported
	}

	next := current.next()
	torch := next == FlashOn
	if err := track.ApplyConstraints(ctx, TrackConstraints{Torch: &torch}); err != nil {
		m.log.WithError(err).Warn("applying torch constraint failed")
		return current, fmt.Errorf("%w: %v", ErrFlashUnsupported, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != stream {
		return m.flash, nil
	}
	m.flash = next
	return next, nil
}

// Stop stops every track and detaches the stream. Safe to call repeatedly.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.stream == nil {
		return
	}
	stopTracks(m.stream)
	m.stream = nil
	m.flash = FlashOff
	m.log.Debug("camera stopped")
}

// Release revokes the local URL of an image that will not be scanned.
func (m *Manager) Release(img *models.CapturedImage) {
	if img == nil || img.URL == "" {
		return
	}
	m.blobs.Revoke(img.URL)
}

// Active reports whether a stream is attached.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Facing returns the current facing mode.
func (m *Manager) Facing() FacingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// Flash returns the current flash mode.
func (m *Manager) Flash() FlashMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flash
}

// Devices lists the video inputs.
func (m *Manager) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if m.devices == nil {
		return nil, ErrCameraUnavailable
	}
	all, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, classify(err)
	}

	var video []DeviceInfo
	for _, d := range all {
		if d.Kind == "videoinput" {
			video = append(video, d)
		}
	}
	return video, nil
}

func stopTracks(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func videoTrack(s Stream) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if t.Kind() == "video" {
			return t
		}
	}
	return nil
}
