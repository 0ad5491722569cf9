// Package pending holds the process-wide state of a background food scan so
// any screen can show its progress and pick up its result.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/analysis"
	"github.com/franckalain/mealscan/internal/api"
	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/broadcast"
	"github.com/franckalain/mealscan/internal/models"
	"github.com/franckalain/mealscan/internal/preview"
)

// Progress bands.
const (
	ProgressStart   = 5
	ProgressUpload  = 60 // upload fills 0-60
	ProgressCeiling = 95 // server-side work animates toward this
	ProgressDone    = 100
)

// NotDetectedName is the detected_food of a record for a failed scan.
const NotDetectedName = "Food not detected"

// Backend is what the store needs from the analysis service.
type Backend interface {
	UploadFoodImage(ctx context.Context, data []byte, progress api.ProgressFunc) (*models.UploadResult, error)
	AnalyzeFood(ctx context.Context, meal models.MealCategory, analysisID string) (*models.AnalysisResponse, error)
	AnalyzeImage(ctx context.Context, data []byte) (*models.AnalysisResponse, error)
}

var _ Backend = (*api.Client)(nil)

// Notifier surfaces a backend error message to the user.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string) { f(message) }

// History persists terminal records.
type History interface {
	SaveRecord(ctx context.Context, rec *models.PendingScanRecord) error
}

// ScanRequest describes a background scan.
type ScanRequest struct {
	ImageURL string              // blob:, data: or http(s): URL of the photo
	Origin   string              // screen that started the scan
	MealFor  models.MealCategory // empty classifies without a meal label
}

// State is what observers render.
type State struct {
	Generation uint64                    `json:"generation"`
	Pending    bool                      `json:"pending"`
	Progress   float64                   `json:"progress"`
	Phase      string                    `json:"phase,omitempty"`
	PreviewURL string                    `json:"preview_url,omitempty"`
	Origin     string                    `json:"origin,omitempty"`
	Record     *models.PendingScanRecord `json:"record,omitempty"`
}

// Option configures the Store.
type Option func(*Store)

// WithPhases sets the cosmetic phase strings and how often they rotate.
func WithPhases(phases []string, interval time.Duration) Option {
	return func(s *Store) {
		if len(phases) > 0 {
			s.phases = phases
		}
		if interval > 0 {
			s.phaseInterval = interval
		}
	}
}

// WithClearDelay sets how long the transient fields stay after a scan ends.
func WithClearDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.clearDelay = d
		}
	}
}

// WithAnimation sets the tick of the server-side progress animation.
func WithAnimation(tick time.Duration) Option {
	return func(s *Store) {
		if tick > 0 {
			s.animateTick = tick
		}
	}
}

// WithPersister sets where previews are stored.
func WithPersister(p preview.Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithNotifier sets who hears about structured backend errors.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithHistory makes the store persist every terminal record.
func WithHistory(h History) Option {
	return func(s *Store) { s.history = h }
}

// Store is the pending-scan broadcast store. Create one per process and
// inject it where needed. All methods are safe for concurrent use.
type Store struct {
	backend   Backend
	fetcher   *blob.Fetcher
	persister preview.Persister
	notifier  Notifier
	history   History
	log       logrus.FieldLogger

	phases        []string
	phaseInterval time.Duration
	animateTick   time.Duration
	clearDelay    time.Duration

	hub *broadcast.Hub[State]

	mu         sync.Mutex
	gen        uint64
	st         State
	clearTimer *time.Timer
}

// New creates a Store.
func New(backend Backend, fetcher *blob.Fetcher, log logrus.FieldLogger, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		fetcher:       fetcher,
		persister:     preview.DataURL{},
		log:           log,
		phases:        []string{"Uploading your photo", "Identifying food items", "Estimating portions", "Calculating nutrition"},
		phaseInterval: 2 * time.Second,
		animateTick:   300 * time.Millisecond,
		clearDelay:    3 * time.Second,
		hub:           broadcast.New[State](broadcast.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartFoodScan runs a scan to completion and returns its terminal record.
// It never fails: every error ends in a not_detected record.
func (s *Store) StartFoodScan(ctx context.Context, req ScanRequest) *models.PendingScanRecord {
	gen := s.begin(req)
	log := s.log.WithFields(logrus.Fields{"generation": gen, "origin": req.Origin, "meal": req.MealFor})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cyclePhases(runCtx, gen)
	}()

	data, contentType, err := s.fetcher.Fetch(runCtx, req.ImageURL)
	if err != nil {
		log.WithError(err).Warn("reading scan image failed")
		stop()
		wg.Wait()
		return s.finish(gen, s.notDetected(req, req.ImageURL), err)
	}

	previewURL := req.ImageURL
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		url, err := s.persister.Persist(runCtx, data, contentType)
		if err != nil {
			log.WithError(err).Warn("persisting preview failed, keeping original url")
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen && s.st.Pending {
			previewURL = url
			s.st.PreviewURL = url
			s.publishLocked()
		}
	}()

	resp, remoteURL, err := s.classify(runCtx, gen, req, data)

	<-persisted
	stop()
	wg.Wait()

	if err != nil {
		log.WithError(err).Warn("background scan failed")
		return s.finish(gen, s.notDetected(req, previewURL), err)
	}

	result, err := analysis.Normalize(resp, remoteURL, previewURL, req.ImageURL)
	if err != nil {
		log.Info("background scan found no food")
		return s.finish(gen, s.notDetected(req, firstNonEmpty(remoteURL, previewURL)), nil)
	}

	// Inline previews stay in State.PreviewURL only.
	result.ImageURL = hostedURL(result.ImageURL)
	nutrition, _ := json.Marshal(result)
	rec := &models.PendingScanRecord{
		ID:            result.ID,
		DetectedFood:  result.MealName,
		Calories:      result.Calories,
		ImageURL:      result.ImageURL,
		NutritionData: string(nutrition),
		Status:        models.StatusCompleted,
		MealFor:       req.MealFor,
		Origin:        req.Origin,
		CreatedAt:     time.Now(),
	}
	log.WithFields(logrus.Fields{"food": rec.DetectedFood, "calories": rec.Calories}).Info("background scan complete")
	return s.finish(gen, rec, nil)
}

func (s *Store) begin(req ScanRequest) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.gen++
	s.st = State{
		Generation: s.gen,
		Pending:    true,
		Progress:   ProgressStart,
		Phase:      s.phases[0],
		PreviewURL: req.ImageURL,
		Origin:     req.Origin,
		Record:     s.st.Record,
	}
	s.publishLocked()
	return s.gen
}

// classify uploads with progress and runs the meal-labelled analysis, or
// analyzes the bytes directly when no meal was given.
func (s *Store) classify(ctx context.Context, gen uint64, req ScanRequest, data []byte) (*models.AnalysisResponse, string, error) {
	if !req.MealFor.Valid() {
		done := s.animate(ctx, gen)
		defer done()
		resp, err := s.backend.AnalyzeImage(ctx, data)
		return resp, "", err
	}

	up, err := s.backend.UploadFoodImage(ctx, data, func(sent, total int64) {
		if total > 0 {
			s.setProgress(gen, ProgressUpload*float64(sent)/float64(total))
		}
	})
	if err != nil {
		return nil, "", err
	}
	s.setProgress(gen, ProgressUpload)
	if up.AnalysisID == "" {
		return nil, up.RemoteImageURL, errors.New("pending: upload returned no analysis id")
	}

	done := s.animate(ctx, gen)
	defer done()
	resp, err := s.backend.AnalyzeFood(ctx, req.MealFor, up.AnalysisID)
	return resp, up.RemoteImageURL, err
}

// animate eases progress toward ProgressCeiling until the returned func is called.
func (s *Store) animate(ctx context.Context, gen uint64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.animateTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if gen == s.gen {
					p := s.st.Progress
					s.setProgressLocked(p + (ProgressCeiling-p)*0.1)
				}
				s.mu.Unlock()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Store) cyclePhases(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.phaseInterval)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if gen == s.gen && s.st.Pending {
				s.st.Phase = s.phases[i%len(s.phases)]
				s.publishLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) setProgress(gen uint64, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen {
		s.setProgressLocked(p)
	}
}

// setProgressLocked never moves progress backwards.
func (s *Store) setProgressLocked(p float64) {
	if p > ProgressCeiling {
		p = ProgressCeiling
	}
	if !s.st.Pending || p <= s.st.Progress {
		return
	}
	s.st.Progress = p
	s.publishLocked()
}

func (s *Store) notDetected(req ScanRequest, imageURL string) *models.PendingScanRecord {
	return &models.PendingScanRecord{
		ID:           uuid.New().String(),
		DetectedFood: NotDetectedName,
		ImageURL:     hostedURL(imageURL),
		Status:       models.StatusNotDetected,
		MealFor:      req.MealFor,
		Origin:       req.Origin,
		CreatedAt:    time.Now(),
	}
}

// finish publishes the terminal record, reports cause and schedules the
// transient fields to clear.
func (s *Store) finish(gen uint64, rec *models.PendingScanRecord, cause error) *models.PendingScanRecord {
	s.report(cause)

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.history.SaveRecord(ctx, rec); err != nil {
			s.log.WithError(err).WithField("record", rec.ID).Warn("saving scan history failed")
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.WithField("generation", gen).Debug("scan superseded, not publishing its record")
		return rec
	}

	s.st.Pending = false
	s.st.Progress = ProgressDone
	s.st.Phase = ""
	s.st.Record = rec
	s.publishLocked()

	s.clearTimer = time.AfterFunc(s.clearDelay, func() { s.clearTransient(gen) })
	return rec
}

// report surfaces structured backend errors. Bare transport failures are
// only logged: they are usually the user navigating away mid-request.
// TODO: revisit once the backend distinguishes client aborts from real outages.
func (s *Store) report(err error) {
	if err == nil {
		return
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Structured {
		if s.notifier != nil {
			s.notifier.Notify(apiErr.Message)
		}
		return
	}
	s.log.WithError(err).Debug("scan error not surfaced")
}

func (s *Store) clearTransient(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.st.Pending {
		return
	}
	s.st.Progress = 0
	s.st.Phase = ""
	s.st.PreviewURL = ""
	s.st.Origin = ""
	s.clearTimer = nil
	s.publishLocked()
}

// TakeRecord hands the terminal record to one reader and forgets it.
func (s *Store) TakeRecord() *models.PendingScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.st.Record
	if rec != nil {
		s.st.Record = nil
		s.publishLocked()
	}
	return rec
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Subscribe returns a channel of state updates and a function that ends it.
func (s *Store) Subscribe() (<-chan State, func()) {
	return s.hub.Subscribe()
}

func (s *Store) publishLocked() {
	s.hub.Publish(s.st)
}

// Close stops the clear timer and ends every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.mu.Unlock()
	s.hub.Close()
}

// hostedURL returns u when it is an http(s) URL and "" otherwise, so data:
// and blob: URLs never reach history or subscribers through a record.
func hostedURL(u string) string {
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
		return u
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
