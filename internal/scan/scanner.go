// Package scan coordinates one food scan at a time: the image is uploaded in
// the background while the meal picker is open, and the classification call
// fires once both the meal selection and the upload outcome are known.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/analysis"
	"github.com/franckalain/mealscan/internal/api"
	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/broadcast"
	"github.com/franckalain/mealscan/internal/camera"
	"github.com/franckalain/mealscan/internal/models"
)

var (
	ErrNoActiveScan    = errors.New("scan: no active scan")
	ErrSelectionFrozen = errors.New("scan: meal selection already used")
	ErrNoImage         = errors.New("scan: no image")
	ErrReset           = errors.New("scan: reset before completion")
	ErrClosed          = errors.New("scan: scanner closed")
)

// Camera is the image source used by Capture.
type Camera interface {
	Capture() (*models.CapturedImage, error)
	Stop()
}

// Uploader sends the image to the backend.
type Uploader interface {
	UploadFoodImage(ctx context.Context, data []byte, progress api.ProgressFunc) (*models.UploadResult, error)
}

// Classifier runs the meal-labelled analysis of an uploaded image.
type Classifier interface {
	AnalyzeFood(ctx context.Context, meal models.MealCategory, analysisID string) (*models.AnalysisResponse, error)
}

// DirectAnalyzer classifies image bytes without a meal selection.
type DirectAnalyzer interface {
	AnalyzeImage(ctx context.Context, data []byte) (*models.AnalysisResponse, error)
}

// Labeler relabels an existing analysis.
type Labeler interface {
	UpdateMeal(ctx context.Context, analysisID string, meal models.MealCategory) error
}

// Backend is everything the scanner needs from the analysis service.
// *api.Client satisfies it.
type Backend interface {
	Uploader
	Classifier
	Labeler
}

var _ Backend = (*api.Client)(nil)

// Option configures the Scanner.
type Option func(*Scanner)

// WithDemo makes every scan skip the meal picker and classify the image
// directly with d.
func WithDemo(d DirectAnalyzer) Option {
	return func(s *Scanner) { s.demo = d }
}

// WithFetcher replaces the fetcher used to read image bytes from URLs.
func WithFetcher(f *blob.Fetcher) Option {
	return func(s *Scanner) { s.fetcher = f }
}

// WithLabelTimeout bounds fire-and-forget relabel calls.
func WithLabelTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.labelTimeout = d
		}
	}
}

// Scanner runs the scan state machine. All methods are safe for concurrent use.
type Scanner struct {
	camera       Camera
	blobs        *blob.Registry
	fetcher      *blob.Fetcher
	backend      Backend
	demo         DirectAnalyzer
	log          logrus.FieldLogger
	labelTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hub *broadcast.Hub[State]

	mu     sync.Mutex
	gen    uint64
	st     State
	image  *models.CapturedImage
	upload *models.UploadResult
	urls   []string // local URLs created for the current scan
	closed bool
}

// New creates a Scanner. cam may be nil when only file picks are used.
func New(cam Camera, blobs *blob.Registry, backend Backend, log logrus.FieldLogger, opts ...Option) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		camera:       cam,
		blobs:        blobs,
		backend:      backend,
		log:          log,
		labelTimeout: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		st:           State{Phase: PhaseIdle},
		hub:          broadcast.New[State](broadcast.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = blob.NewFetcher(blobs, nil)
	}
	return s
}

// Capture grabs a still from the camera and starts a scan with it. The
// camera is stopped once the still is taken.
func (s *Scanner) Capture(ctx context.Context) (*models.CapturedImage, error) {
	if s.camera == nil {
		return nil, camera.ErrCameraUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := s.camera.Capture()
	if err != nil {
		return nil, err
	}
	s.camera.Stop()

	if err := s.StartScan(img); err != nil {
		return nil, err
	}
	return img, nil
}

// StartScan begins a scan for img, superseding any scan in progress. The
// picker state is published before any network I/O starts; the upload (or,
// in demo mode, the direct analysis) runs in the background.
func (s *Scanner) StartScan(img *models.CapturedImage) error {
	if img == nil || (len(img.Data) == 0 && img.URL == "") {
		return ErrNoImage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.revokeLocked(img.URL)
	s.gen++
	gen := s.gen
	s.image = img
	s.upload = nil
	if blob.IsLocal(img.URL) {
		s.urls = append(s.urls, img.URL)
	}

	demo := s.demo != nil
	s.st = State{
		ScanID:       uuid.New().String(),
		Generation:   gen,
		Phase:        PhaseAwaitingInputs,
		Demo:         demo,
		PickerOpen:   !demo,
		PendingImage: img.URL,
	}
	if demo {
		s.st.Phase = PhaseDispatched
		s.st.Processing = true
	}
	log := s.scanLog()
	s.publishLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	if demo {
		log.Info("scan started in demo mode")
		go s.analyzeDirect(gen, img)
		return nil
	}
	log.Info("scan started, uploading in background")
	go s.runUpload(gen, img)
	return nil
}

// SelectMeal records the user's meal choice. The last choice made before
// dispatch wins.
func (s *Scanner) SelectMeal(meal models.MealCategory) error {
	if !meal.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidMeal, meal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.st.Phase == PhaseIdle:
		return ErrNoActiveScan
	case s.st.Phase != PhaseAwaitingInputs:
		return ErrSelectionFrozen
	}

	s.st.Meal = meal
	s.scanLog().WithField("meal", meal).Debug("meal selected")
	s.evaluateLocked()
	s.publishLocked()
	return nil
}

// Reset stops the camera, revokes every local URL of the scan and returns
// to idle. Continuations of the abandoned scan become no-ops.
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.publishLocked()
}

func (s *Scanner) resetLocked() {
	if s.camera != nil {
		s.camera.Stop()
	}
	s.revokeLocked("")
	s.gen++
	s.image = nil
	s.upload = nil
	s.st = State{Phase: PhaseIdle, Generation: s.gen}
	s.log.WithField("generation", s.gen).Debug("scanner reset")
}

// revokeLocked revokes tracked local URLs except keep.
func (s *Scanner) revokeLocked(keep string) {
	for _, u := range s.urls {
		if u != keep {
			s.blobs.Revoke(u)
		}
	}
	s.urls = s.urls[:0]
}

// LabelAnalysis relabels an analysis with a meal in the background. Errors
// are logged only.
func (s *Scanner) LabelAnalysis(analysisID string, meal models.MealCategory) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.labelTimeout)
		defer cancel()

		log := s.log.WithFields(logrus.Fields{"analysis_id": analysisID, "meal": meal})
		if err := s.backend.UpdateMeal(ctx, analysisID, meal); err != nil {
			log.WithError(err).Warn("relabel failed")
			return
		}
		log.Debug("analysis relabelled")
	}()
}

func (s *Scanner) runUpload(gen uint64, img *models.CapturedImage) {
	defer s.wg.Done()

	data, err := s.imageBytes(img)
	var res *models.UploadResult
	if err == nil {
		res, err = s.backend.UploadFoodImage(s.ctx, data, nil)
	}
	s.completeUpload(gen, res, err)
}

func (s *Scanner) imageBytes(img *models.CapturedImage) ([]byte, error) {
	if len(img.Data) > 0 {
		return img.Data, nil
	}
	data, _, err := s.fetcher.Fetch(s.ctx, img.URL)
	return data, err
}

// completeUpload marks the upload phase done, once per scan.
func (s *Scanner) completeUpload(gen uint64, res *models.UploadResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.scanLog()
	if gen != s.gen {
		log.WithField("stale_generation", gen).Debug("dropping stale upload result")
		return
	}
	if s.st.UploadDone {
		return
	}
	s.st.UploadDone = true

	switch {
	case err != nil:
		s.st.UploadFailed = true
		log.WithError(err).Warn("background upload failed")
	case res == nil || res.RemoteImageURL == "" || res.AnalysisID == "":
		s.st.UploadFailed = true
		log.Warn("upload response missing image url or analysis id")
	default:
		s.upload = res
		s.st.PendingImage = res.RemoteImageURL
		s.st.AnalysisID = res.AnalysisID
		log.WithField("analysis_id", res.AnalysisID).Info("background upload complete")
	}

	s.evaluateLocked()
	s.publishLocked()
}

// evaluateLocked is the single dispatch guard. It runs after every input
// change and acts only on the AwaitingInputs to Ready edge.
func (s *Scanner) evaluateLocked() {
	if s.st.Phase != PhaseAwaitingInputs {
		return
	}
	if s.st.Meal == "" || !s.st.UploadDone {
		return
	}
	s.st.Phase = PhaseReady

	if s.st.UploadFailed {
		s.finishLocked(nil, FailureUpload)
		return
	}

	s.st.Phase = PhaseDispatched
	s.st.PickerOpen = false
	s.st.Processing = true

	gen, meal, id := s.gen, s.st.Meal, s.st.AnalysisID
	fallbacks := s.fallbackURLsLocked()
	s.scanLog().WithFields(logrus.Fields{"meal": meal, "analysis_id": id}).Info("dispatching classification")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := s.backend.AnalyzeFood(s.ctx, meal, id)
		s.finish(gen, resp, err, fallbacks)
	}()
}

func (s *Scanner) analyzeDirect(gen uint64, img *models.CapturedImage) {
	defer s.wg.Done()

	data, err := s.imageBytes(img)
	var resp *models.AnalysisResponse
	if err == nil {
		resp, err = s.demo.AnalyzeImage(s.ctx, data)
	}
	s.finish(gen, resp, err, []string{img.URL})
}

func (s *Scanner) fallbackURLsLocked() []string {
	var urls []string
	if s.upload != nil {
		urls = append(urls, s.upload.RemoteImageURL)
	}
	if s.image != nil {
		urls = append(urls, s.image.URL)
	}
	return urls
}

// finish turns a classification outcome into a terminal state.
func (s *Scanner) finish(gen uint64, resp *models.AnalysisResponse, err error, fallbacks []string) {
	var result *models.NutritionAnalysisResult
	kind := FailureNone
	if err != nil {
		kind = FailureService
	} else if result, err = analysis.Normalize(resp, fallbacks...); err != nil {
		kind = FailureNotRecognized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.scanLog()
	if gen != s.gen {
		log.WithField("stale_generation", gen).Debug("dropping stale classification result")
		return
	}
	if err != nil {
		log.WithError(err).WithField("failure", kind).Warn("classification failed")
	}
	s.finishLocked(result, kind)
	s.publishLocked()
}

// finishLocked enters a terminal state and clears the working fields.
func (s *Scanner) finishLocked(result *models.NutritionAnalysisResult, kind FailureKind) {
	s.st.PickerOpen = false
	s.st.Processing = false
	s.st.PendingImage = ""
	s.st.AnalysisID = ""
	s.st.Meal = ""
	s.st.Result = result
	s.st.Failure = kind
	s.st.Message = kind.Message()

	if kind == FailureNone {
		s.st.Phase = PhaseSucceeded
		s.scanLog().WithField("food", result.MealName).Info("scan succeeded")
		return
	}
	s.st.Phase = PhaseFailed
	s.scanLog().WithField("failure", kind).Info("scan failed")
}

func (s *Scanner) scanLog() logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"scan_id":    s.st.ScanID,
		"generation": s.gen,
	})
}

// Snapshot returns the current state.
func (s *Scanner) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Subscribe returns a channel of state updates and a function that ends the
// subscription. Slow readers lose the oldest pending update, never the newest.
func (s *Scanner) Subscribe() (<-chan State, func()) {
	return s.hub.Subscribe()
}

func (s *Scanner) publishLocked() {
	s.hub.Publish(s.st)
}

// Wait blocks until the current scan reaches a terminal state and returns
// it. It fails with ErrNoActiveScan when idle and ErrReset if the scan is
// abandoned first.
func (s *Scanner) Wait(ctx context.Context) (State, error) {
	updates, cancel := s.Subscribe()
	defer cancel()

	st := s.Snapshot()
	switch {
	case st.Phase == PhaseIdle:
		return st, ErrNoActiveScan
	case st.Phase.Terminal():
		return st, nil
	}
	gen := st.Generation

	for {
		select {
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return s.Snapshot(), ErrClosed
			}
			switch {
			case u.Generation < gen:
				continue
			case u.Generation > gen:
				return u, ErrReset
			}
			if u.Phase.Terminal() {
				return u, nil
			}
		}
	}
}

// Close resets the scanner, waits for background work and ends every
// subscription. In-flight requests are cancelled.
func (s *Scanner) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.resetLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.hub.Close()
}
