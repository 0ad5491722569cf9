package pending

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/franckalain/mealscan/internal/api"
	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/logging"
	"github.com/franckalain/mealscan/internal/models"
)

type fakeBackend struct {
	mu        sync.Mutex
	uploads   int
	analyzes  []models.MealCategory
	direct    int
	uploadErr error
	resp      *models.AnalysisResponse
	respErr   error
	delay     time.Duration
}

func (f *fakeBackend) UploadFoodImage(ctx context.Context, data []byte, progress api.ProgressFunc) (*models.UploadResult, error) {
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	if progress != nil {
		progress(1, 4)
		progress(3, 4)
		progress(2, 4) // late, less authoritative report
		progress(4, 4)
	}
	return &models.UploadResult{RemoteImageURL: "https://x/meal.jpg", AnalysisID: "A1"}, nil
}

func (f *fakeBackend) AnalyzeFood(ctx context.Context, meal models.MealCategory, id string) (*models.AnalysisResponse, error) {
	f.mu.Lock()
	f.analyzes = append(f.analyzes, meal)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.resp, f.respErr
}

func (f *fakeBackend) AnalyzeImage(ctx context.Context, data []byte) (*models.AnalysisResponse, error) {
	f.mu.Lock()
	f.direct++
	f.mu.Unlock()
	return f.resp, f.respErr
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []*models.PendingScanRecord
}

func (h *fakeHistory) SaveRecord(ctx context.Context, rec *models.PendingScanRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

type failingPersister struct{}

func (failingPersister) Persist(ctx context.Context, data []byte, contentType string) (string, error) {
	return "", errors.New("disk full")
}

func recognized() *models.AnalysisResponse {
	name := "Pad Thai"
	calories := 610.0
	return &models.AnalysisResponse{
		ID:       "A1",
		Analysis: &models.RawAnalysis{Name: &name, Calories: &calories},
	}
}

type fixture struct {
	store    *Store
	backend  *fakeBackend
	notifier *fakeNotifier
	history  *fakeHistory
	reg      *blob.Registry
}

func setup(t *testing.T, backend *fakeBackend, opts ...Option) *fixture {
	t.Helper()
	reg := blob.NewRegistry(logging.Discard())
	f := &fixture{
		backend:  backend,
		notifier: &fakeNotifier{},
		history:  &fakeHistory{},
		reg:      reg,
	}
	base := []Option{
		WithNotifier(f.notifier),
		WithHistory(f.history),
		WithPhases([]string{"one", "two"}, 5*time.Millisecond),
		WithAnimation(time.Millisecond),
		WithClearDelay(time.Hour),
	}
	f.store = New(backend, blob.NewFetcher(reg, nil), logging.Discard(), append(base, opts...)...)
	t.Cleanup(f.store.Close)
	return f
}

func (f *fixture) image() string {
	return f.reg.Create([]byte("jpeg"), "image/jpeg")
}

func TestStartFoodScanSuccess(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized(), delay: 20 * time.Millisecond})

	updates, cancel := f.store.Subscribe()
	defer cancel()

	rec := f.store.StartFoodScan(context.Background(), ScanRequest{
		ImageURL: f.image(),
		Origin:   "dashboard",
		MealFor:  models.MealDinner,
	})

	if rec.Status != models.StatusCompleted || rec.DetectedFood != "Pad Thai" || rec.Calories != 610 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ImageURL != "https://x/meal.jpg" || rec.MealFor != models.MealDinner || rec.Origin != "dashboard" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.Contains(rec.NutritionData, `"mealName":"Pad Thai"`) {
		t.Fatalf("nutrition data should hold the serialized result, got %s", rec.NutritionData)
	}

	st := f.store.Snapshot()
	if st.Pending || st.Progress != ProgressDone || st.Record != rec {
		t.Fatalf("unexpected terminal state %+v", st)
	}
	if !strings.HasPrefix(st.PreviewURL, "data:image/jpeg;base64,") {
		t.Fatalf("preview should be a persistent data url, got %q", st.PreviewURL)
	}
	if len(f.history.recs) != 1 || f.history.recs[0] != rec {
		t.Fatal("record should be saved to history")
	}

	// Progress never rewinds and ends at 100.
	last := 0.0
	sawDone := false
	for len(updates) > 0 {
		u := <-updates
		if u.Progress < last {
			t.Fatalf("progress went backwards: %v after %v", u.Progress, last)
		}
		last = u.Progress
		sawDone = sawDone || (!u.Pending && u.Progress == ProgressDone)
	}
	if !sawDone {
		t.Fatal("observers never saw the terminal state")
	}
}

func TestProgressBands(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized(), delay: 30 * time.Millisecond})

	var mu sync.Mutex
	var seen []float64
	updates, cancel := f.store.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			mu.Lock()
			seen = append(seen, u.Progress)
			mu.Unlock()
		}
	}()

	f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: f.image(), MealFor: models.MealLunch})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] < ProgressStart {
		t.Fatalf("expected updates starting at %d, got %v", ProgressStart, seen)
	}
	var sawUpload, sawAnimated bool
	for i, p := range seen {
		if i > 0 && p < seen[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, seen)
		}
		if p == ProgressUpload {
			sawUpload = true
		}
		if p > ProgressUpload && p < ProgressDone {
			sawAnimated = true
			if p > ProgressCeiling {
				t.Fatalf("animation passed the ceiling: %v", p)
			}
		}
	}
	if !sawUpload || !sawAnimated || seen[len(seen)-1] != ProgressDone {
		t.Fatalf("unexpected progress sequence %v", seen)
	}
}

func TestStartFoodScanFailures(t *testing.T) {
	tests := []struct {
		name       string
		backend    *fakeBackend
		wantNotify int
	}{
		{
			name:       "not recognized",
			backend:    &fakeBackend{resp: &models.AnalysisResponse{ID: "A2", Analysis: &models.RawAnalysis{}}},
			wantNotify: 0,
		},
		{
			name:       "structured api error",
			backend:    &fakeBackend{respErr: &api.APIError{StatusCode: 422, Message: "photo too dark", Structured: true}},
			wantNotify: 1,
		},
		{
			name:       "unstructured api error",
			backend:    &fakeBackend{respErr: &api.APIError{StatusCode: 502, Message: "<html>"}},
			wantNotify: 0,
		},
		{
			name:       "network failure",
			backend:    &fakeBackend{uploadErr: errors.New("connection reset by peer")},
			wantNotify: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.backend)

			rec := f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: f.image(), MealFor: models.MealSnack})
			if rec == nil || rec.Status != models.StatusNotDetected || rec.DetectedFood != NotDetectedName {
				t.Fatalf("expected not_detected record, got %+v", rec)
			}
			if n := f.notifier.count(); n != tt.wantNotify {
				t.Fatalf("expected %d notifications, got %d", tt.wantNotify, n)
			}
			if strings.HasPrefix(rec.ImageURL, "data:") || strings.HasPrefix(rec.ImageURL, blob.Scheme) {
				t.Fatalf("failed record must not carry an inline image, got %q", rec.ImageURL)
			}

			st := f.store.Snapshot()
			if st.PreviewURL == "" {
				t.Fatal("failed scan should keep its preview")
			}
			if st.Pending || st.Progress != ProgressDone || st.Record != rec {
				t.Fatalf("store must reach a terminal state, got %+v", st)
			}
		})
	}
}

func TestStartFoodScanWithoutMeal(t *testing.T) {
	backend := &fakeBackend{resp: recognized()}
	f := setup(t, backend)

	rec := f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: f.image()})
	if rec.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %+v", rec)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.direct != 1 || backend.uploads != 0 || len(backend.analyzes) != 0 {
		t.Fatalf("expected one direct analysis, got direct=%d uploads=%d analyzes=%d",
			backend.direct, backend.uploads, len(backend.analyzes))
	}
	if rec.ImageURL != "" {
		t.Fatalf("without a hosted url the record has no image, got %q", rec.ImageURL)
	}
	if strings.Contains(rec.NutritionData, "data:") {
		t.Fatalf("nutrition data must not embed the preview: %s", rec.NutritionData)
	}
	if st := f.store.Snapshot(); !strings.HasPrefix(st.PreviewURL, "data:image/") {
		t.Fatalf("the preview keeps the inline image, got %q", st.PreviewURL)
	}
}

func TestHostedURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
		{"http://localhost:8080/a.jpg", "http://localhost:8080/a.jpg"},
		{"data:image/jpeg;base64,/9j/", ""},
		{blob.Scheme + "abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := hostedURL(tt.in); got != tt.want {
			t.Errorf("hostedURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreviewFallback(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized()}, WithPersister(failingPersister{}))
	url := f.image()

	rec := f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: url, MealFor: models.MealLunch})
	if rec.Status != models.StatusCompleted {
		t.Fatalf("preview failure must not abort the scan, got %+v", rec)
	}
	if st := f.store.Snapshot(); st.PreviewURL != url {
		t.Fatalf("expected original url as preview, got %q", st.PreviewURL)
	}
}

func TestUnreadableImage(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized()})

	rec := f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: blob.Scheme + "gone", MealFor: models.MealLunch})
	if rec.Status != models.StatusNotDetected {
		t.Fatalf("expected not_detected, got %+v", rec)
	}
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	if f.backend.uploads != 0 {
		t.Fatal("nothing should be uploaded when the image cannot be read")
	}
}

func TestClearAndTakeRecord(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized()}, WithClearDelay(10*time.Millisecond))

	rec := f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: f.image(), MealFor: models.MealBreakfast})

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := f.store.Snapshot()
		if st.Progress == 0 && st.PreviewURL == "" {
			if st.Record != rec {
				t.Fatal("clearing transient fields must keep the record")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transient fields not cleared: %+v", st)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := f.store.TakeRecord(); got != rec {
		t.Fatalf("expected the terminal record, got %+v", got)
	}
	if got := f.store.TakeRecord(); got != nil {
		t.Fatalf("record should be handed out once, got %+v", got)
	}
}

func TestPhasesRotate(t *testing.T) {
	f := setup(t, &fakeBackend{resp: recognized(), delay: 40 * time.Millisecond})

	updates, cancel := f.store.Subscribe()
	var mu sync.Mutex
	phases := map[string]bool{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			mu.Lock()
			if u.Phase != "" {
				phases[u.Phase] = true
			}
			mu.Unlock()
		}
	}()

	f.store.StartFoodScan(context.Background(), ScanRequest{ImageURL: f.image(), MealFor: models.MealLunch})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !phases["one"] || !phases["two"] {
		t.Fatalf("expected both phases to be shown, got %v", phases)
	}
}
