// Package server exposes the scanner and the pending-scan store over a
// websocket and a small JSON API.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/camera"
	"github.com/franckalain/mealscan/internal/database"
	"github.com/franckalain/mealscan/internal/models"
	"github.com/franckalain/mealscan/internal/pending"
	"github.com/franckalain/mealscan/internal/scan"
)

const (
	historyLimit = 20
	writeTimeout = 10 * time.Second
)

// Scanner is the foreground scan the server drives.
type Scanner interface {
	Capture(ctx context.Context) (*models.CapturedImage, error)
	StartScan(img *models.CapturedImage) error
	SelectMeal(meal models.MealCategory) error
	LabelAnalysis(analysisID string, meal models.MealCategory)
	Reset()
	Snapshot() scan.State
	Subscribe() (<-chan scan.State, func())
}

// PendingStore is the background scan store the server drives.
type PendingStore interface {
	StartFoodScan(ctx context.Context, req pending.ScanRequest) *models.PendingScanRecord
	TakeRecord() *models.PendingScanRecord
	Snapshot() pending.State
	Subscribe() (<-chan pending.State, func())
}

// ImageLoader turns uploaded bytes into a scan image. Release drops an
// image that will not be scanned.
type ImageLoader interface {
	Load(r io.Reader) (*models.CapturedImage, error)
	Release(img *models.CapturedImage)
}

// Camera is the live camera clients control.
type Camera interface {
	ImageLoader
	Start(ctx context.Context, facing camera.FacingMode) error
	Switch(ctx context.Context) error
	ToggleFlash(ctx context.Context) (camera.FlashMode, error)
	Devices(ctx context.Context) ([]camera.DeviceInfo, error)
	Active() bool
	Facing() camera.FacingMode
	Flash() camera.FlashMode
}

var (
	_ Scanner          = (*scan.Scanner)(nil)
	_ PendingStore     = (*pending.Store)(nil)
	_ Camera           = (*camera.Manager)(nil)
	_ pending.Notifier = (*Server)(nil)
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Option configures the Server.
type Option func(*Server)

// WithLoader enables the "scan" message, which starts a foreground scan
// from a base64 image.
func WithLoader(l ImageLoader) Option {
	return func(s *Server) { s.loader = l }
}

// WithCamera enables the camera messages and, like WithLoader, the "scan"
// message.
func WithCamera(c Camera) Option {
	return func(s *Server) {
		s.camera = c
		s.loader = c
	}
}

// WithStatic serves the files in dir at /.
func WithStatic(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

type message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Server relays state to websocket clients and accepts their commands.
type Server struct {
	scanner   Scanner
	store     PendingStore
	db        database.DB
	loader    ImageLoader
	camera    Camera
	staticDir string
	log       logrus.FieldLogger

	router  *mux.Router
	clients sync.Map // id -> *client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. db may be nil, which disables history.
func New(scanner Scanner, store PendingStore, db database.DB, log logrus.FieldLogger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scanner: scanner,
		store:   store,
		db:      db,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api/scans").Subrouter()
	api.HandleFunc("/current", s.handleCurrent).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/recent", s.handleRecent).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleRecord).Methods(http.MethodGet)
	if s.staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start relays state and serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Relay(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("starting server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends background scans started by clients and disconnects everyone.
func (s *Server) Close() {
	s.cancel()
	s.clients.Range(func(key, value any) bool {
		value.(*client).conn.Close()
		return true
	})
	s.wg.Wait()
}

// Relay forwards scanner and store updates to every client until ctx ends.
func (s *Server) Relay(ctx context.Context) {
	scans, stopScans := s.scanner.Subscribe()
	defer stopScans()
	pendings, stopPendings := s.store.Subscribe()
	defer stopPendings()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case st, ok := <-scans:
			if !ok {
				return
			}
			s.broadcast(outgoing{Type: "scan_state", Data: st})
		case st, ok := <-pendings:
			if !ok {
				return
			}
			s.broadcast(outgoing{Type: "pending_state", Data: st})
		}
	}
}

// Notify implements pending.Notifier.
func (s *Server) Notify(msg string) {
	s.broadcast(outgoing{Type: "notification", Message: msg})
}

func (s *Server) broadcast(msg outgoing) {
	s.clients.Range(func(key, value any) bool {
		if err := value.(*client).send(msg); err != nil {
			s.log.WithError(err).WithField("client", key).Debug("broadcast failed")
		}
		return true
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	clientID := uuid.New().String()
	log := s.log.WithField("client", clientID)
	s.clients.Store(clientID, c)
	defer s.clients.Delete(clientID)

	log.Debug("client connected")
	// New clients see the current state right away.
	s.reply(c, "scan_state", s.scanner.Snapshot())
	s.reply(c, "pending_state", s.store.Snapshot())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("error reading message")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Debug("error parsing message")
			s.sendError(c, "Invalid message format")
			continue
		}
		s.handleMessage(c, log, msg)
	}
}

func (s *Server) handleMessage(c *client, log logrus.FieldLogger, msg message) {
	log = log.WithField("type", msg.Type)
	log.Debug("message received")

	switch msg.Type {
	case "scan":
		s.handleScan(c, log, msg.Data)
	case "select_meal":
		s.handleSelectMeal(c, msg.Data)
	case "reset_scan":
		s.scanner.Reset()
		s.reply(c, "scan_state", s.scanner.Snapshot())
	case "label_analysis":
		s.handleLabelAnalysis(c, msg.Data)
	case "start_camera", "switch_camera", "toggle_flash", "list_devices", "capture":
		s.handleCamera(c, log, msg.Type, msg.Data)
	case "background_scan":
		s.handleBackgroundScan(c, log, msg.Data)
	case "take_record":
		s.reply(c, "pending_record", s.store.TakeRecord())
	case "get_history":
		s.handleGetHistory(c, log)
	default:
		s.sendError(c, "Unknown message type")
	}
}

func (s *Server) handleScan(c *client, log logrus.FieldLogger, data json.RawMessage) {
	if s.loader == nil {
		s.sendError(c, "Scanning is not available")
		return
	}
	var req struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Image == "" {
		s.sendError(c, "Invalid image data")
		return
	}
	imageData, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		s.sendError(c, "Invalid image format")
		return
	}

	img, err := s.loader.Load(bytes.NewReader(imageData))
	if err != nil {
		log.WithError(err).Warn("loading scan image failed")
		s.sendError(c, "Invalid image format")
		return
	}
	if err := s.scanner.StartScan(img); err != nil {
		s.loader.Release(img)
		log.WithError(err).Warn("starting scan failed")
		s.sendError(c, "Failed to start scan")
		return
	}
	s.reply(c, "scan_state", s.scanner.Snapshot())
}

func (s *Server) handleSelectMeal(c *client, data json.RawMessage) {
	var req struct {
		Meal string `json:"meal"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "Invalid meal selection")
		return
	}
	meal, err := models.ParseMealCategory(req.Meal)
	if err != nil {
		s.sendError(c, "Invalid meal selection")
		return
	}

	switch err := s.scanner.SelectMeal(meal); {
	case errors.Is(err, scan.ErrNoActiveScan):
		s.sendError(c, "No scan in progress")
	case errors.Is(err, scan.ErrSelectionFrozen):
		s.sendError(c, "This scan is already finished")
	case err != nil:
		s.sendError(c, "Failed to select meal")
	}
}

func (s *Server) handleBackgroundScan(c *client, log logrus.FieldLogger, data json.RawMessage) {
	var req struct {
		Image   string `json:"image"`
		URL     string `json:"url"`
		MealFor string `json:"meal_for"`
		Origin  string `json:"origin"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "Invalid scan request")
		return
	}

	// Only inline images are accepted: the server never fetches client URLs.
	url := req.URL
	if req.Image != "" {
		imageData, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			s.sendError(c, "Invalid image format")
			return
		}
		url = blob.EncodeDataURL(imageData, http.DetectContentType(imageData))
	}
	if !strings.HasPrefix(url, "data:") {
		s.sendError(c, "Invalid image data")
		return
	}

	var meal models.MealCategory
	if req.MealFor != "" {
		m, err := models.ParseMealCategory(req.MealFor)
		if err != nil {
			s.sendError(c, "Invalid meal selection")
			return
		}
		meal = m
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rec := s.store.StartFoodScan(s.ctx, pending.ScanRequest{ImageURL: url, Origin: req.Origin, MealFor: meal})
		log.WithFields(logrus.Fields{"record": rec.ID, "status": rec.Status}).Info("background scan finished")
	}()
}

func (s *Server) handleLabelAnalysis(c *client, data json.RawMessage) {
	var req struct {
		AnalysisID string `json:"analysis_id"`
		Meal       string `json:"meal"`
	}
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.AnalysisID) == "" {
		s.sendError(c, "Invalid label request")
		return
	}
	meal, err := models.ParseMealCategory(req.Meal)
	if err != nil {
		s.sendError(c, "Invalid meal selection")
		return
	}
	s.scanner.LabelAnalysis(req.AnalysisID, meal)
	s.reply(c, "label_accepted", map[string]string{"analysis_id": req.AnalysisID, "meal": string(meal)})
}

type cameraState struct {
	Active bool   `json:"active"`
	Facing string `json:"facing"`
	Flash  string `json:"flash"`
}

func (s *Server) cameraState() cameraState {
	return cameraState{
		Active: s.camera.Active(),
		Facing: string(s.camera.Facing()),
		Flash:  s.camera.Flash().String(),
	}
}

func (s *Server) handleCamera(c *client, log logrus.FieldLogger, typ string, data json.RawMessage) {
	if s.camera == nil {
		s.sendError(c, "Camera is not available")
		return
	}

	var err error
	switch typ {
	case "start_camera":
		var req struct {
			Facing string `json:"facing"`
		}
		_ = json.Unmarshal(data, &req)
		facing := camera.FacingEnvironment
		if req.Facing == string(camera.FacingUser) {
			facing = camera.FacingUser
		}
		err = s.camera.Start(s.ctx, facing)
	case "switch_camera":
		err = s.camera.Switch(s.ctx)
	case "toggle_flash":
		_, err = s.camera.ToggleFlash(s.ctx)
	case "list_devices":
		devices, err := s.camera.Devices(s.ctx)
		if err != nil {
			log.WithError(err).Warn("listing cameras failed")
			s.sendError(c, cameraMessage(err))
			return
		}
		if devices == nil {
			devices = []camera.DeviceInfo{}
		}
		s.reply(c, "devices", devices)
		return
	case "capture":
		if _, err := s.scanner.Capture(s.ctx); err != nil {
			log.WithError(err).Warn("capture failed")
			s.sendError(c, cameraMessage(err))
			return
		}
		s.reply(c, "scan_state", s.scanner.Snapshot())
		return
	}

	if err != nil {
		log.WithError(err).Warn("camera request failed")
		s.sendError(c, cameraMessage(err))
	}
	s.reply(c, "camera_state", s.cameraState())
}

// cameraMessage is the user-facing text for a camera error.
func cameraMessage(err error) string {
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return "Camera permission denied"
	case errors.Is(err, camera.ErrDeviceBusy):
		return "Camera is in use by another application"
	case errors.Is(err, camera.ErrCameraUnavailable):
		return "No camera available"
	case errors.Is(err, camera.ErrFlashUnsupported):
		return "Flash is not supported on this camera"
	case errors.Is(err, camera.ErrCaptureFailed):
		return "Could not take the photo, please try again"
	default:
		return "Camera error"
	}
}

type totals struct {
	Calories float64 `json:"calories"`
	Scans    int     `json:"scans"`
}

type history struct {
	Items     []*models.PendingScanRecord `json:"items"`
	DayTotal  totals                      `json:"day_total"`
	WeekTotal totals                      `json:"week_total"`
}

func (s *Server) loadHistory(ctx context.Context, limit int) (*history, error) {
	if s.db == nil {
		return &history{Items: []*models.PendingScanRecord{}}, nil
	}
	records, err := s.db.RecentRecords(ctx, limit)
	if err != nil {
		return nil, err
	}
	return summarize(records, time.Now()), nil
}

// summarize totals the completed records of today and of this week.
func summarize(records []*models.PendingScanRecord, now time.Time) *history {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfWeek := startOfDay.AddDate(0, 0, -int(now.Weekday()))

	h := &history{Items: records}
	if h.Items == nil {
		h.Items = []*models.PendingScanRecord{}
	}
	for _, rec := range records {
		if rec.Status != models.StatusCompleted || rec.CreatedAt.Before(startOfWeek) {
			continue
		}
		h.WeekTotal.Calories += rec.Calories
		h.WeekTotal.Scans++
		if !rec.CreatedAt.Before(startOfDay) {
			h.DayTotal.Calories += rec.Calories
			h.DayTotal.Scans++
		}
	}
	return h
}

func (s *Server) handleGetHistory(c *client, log logrus.FieldLogger) {
	h, err := s.loadHistory(s.ctx, historyLimit)
	if err != nil {
		log.WithError(err).Error("error retrieving history")
		s.sendError(c, "Failed to retrieve history")
		return
	}
	s.reply(c, "history", h)
}

func (s *Server) reply(c *client, messageType string, data any) {
	if err := c.send(outgoing{Type: messageType, Data: data}); err != nil {
		s.log.WithError(err).WithField("type", messageType).Debug("error sending message")
	}
}

func (s *Server) sendError(c *client, msg string) {
	if err := c.send(outgoing{Type: "error", Message: msg}); err != nil {
		s.log.WithError(err).Debug("error sending error message")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scanner.Snapshot())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history is disabled"})
		return
	}
	rec, err := s.db.GetRecord(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.log.WithError(err).Error("error retrieving record")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to retrieve record"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	h, err := s.loadHistory(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("error retrieving history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to retrieve history"})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
