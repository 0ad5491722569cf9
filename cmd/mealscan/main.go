package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/api"
	"github.com/franckalain/mealscan/internal/blob"
	"github.com/franckalain/mealscan/internal/camera"
	"github.com/franckalain/mealscan/internal/config"
	"github.com/franckalain/mealscan/internal/database"
	"github.com/franckalain/mealscan/internal/logging"
	"github.com/franckalain/mealscan/internal/ml"
	"github.com/franckalain/mealscan/internal/models"
	"github.com/franckalain/mealscan/internal/pending"
	"github.com/franckalain/mealscan/internal/preview"
	"github.com/franckalain/mealscan/internal/scan"
	"github.com/franckalain/mealscan/internal/server"
)

func main() {
	configPath := flag.String("config", config.GetConfigPath(), "path to configuration file")
	imagePath := flag.String("image", "", "scan this image file instead of the camera")
	cameraFrame := flag.String("camera-frame", "", "image file served as the camera feed")
	facing := flag.String("facing", "", "camera facing mode: environment or user (default from config)")
	meal := flag.String("meal", "", "meal category (breakfast, lunch, dinner, snack); prompted if empty")
	demo := flag.Bool("demo", false, "classify directly, without meal selection")
	background := flag.Bool("background", false, "run the scan in the background store and print its record")
	serve := flag.Bool("serve", false, "run the websocket server")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	log := logging.New(level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, options{
		imagePath:   *imagePath,
		cameraFrame: *cameraFrame,
		facing:      *facing,
		meal:        *meal,
		demo:        *demo || cfg.Scanner.DemoMode,
		background:  *background,
		serve:       *serve,
	}); err != nil {
		log.WithError(err).Error("mealscan failed")
		os.Exit(1)
	}
}

type options struct {
	imagePath   string
	cameraFrame string
	facing      string
	meal        string
	demo        bool
	background  bool
	serve       bool
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, opts options) error {
	blobs := blob.NewRegistry(log)
	fetcher := blob.NewFetcher(blobs, nil)

	var devices camera.MediaDevices
	if opts.cameraFrame != "" {
		devices = camera.NewStillDevices(opts.cameraFrame)
	}
	cam := camera.NewManager(devices, blobs, log, camera.WithJPEGQuality(cfg.Scanner.JPEGQuality))

	client := api.New(cfg.API.BaseURL, log,
		api.WithToken(cfg.API.Token),
		api.WithUploadTimeout(cfg.API.UploadTimeout.Duration),
		api.WithRequestTimeout(cfg.API.RequestTimeout.Duration),
	)

	db, err := database.NewSQLiteDB(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	persister, err := preview.New(ctx, preview.Config{
		Type:          cfg.Preview.Type,
		Bucket:        cfg.Preview.Bucket,
		Region:        cfg.Preview.Region,
		Prefix:        cfg.Preview.Prefix,
		PublicBaseURL: cfg.Preview.PublicBaseURL,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to set up previews: %w", err)
	}

	scanOpts := []scan.Option{scan.WithFetcher(fetcher)}
	if opts.demo {
		analyzer, closeModel, err := demoAnalyzer(ctx, cfg, client, log)
		if err != nil {
			return err
		}
		defer closeModel()
		scanOpts = append(scanOpts, scan.WithDemo(analyzer))
	}
	scanner := scan.New(cam, blobs, client, log, scanOpts...)
	defer scanner.Close()

	storeOpts := []pending.Option{
		pending.WithPhases(cfg.Pending.Phases, cfg.Pending.PhaseInterval.Duration),
		pending.WithClearDelay(cfg.Pending.ClearDelay.Duration),
		pending.WithPersister(persister),
		pending.WithHistory(db),
	}

	if opts.serve {
		var srv *server.Server
		notify := pending.NotifierFunc(func(msg string) { srv.Notify(msg) })
		store := pending.New(client, fetcher, log, append(storeOpts, pending.WithNotifier(notify))...)
		defer store.Close()
		srv = server.New(scanner, store, db, log, server.WithCamera(cam))
		return srv.Start(ctx, ":"+cfg.Server.Port)
	}

	notify := pending.NotifierFunc(func(msg string) { fmt.Println(renderHint(msg)) })
	store := pending.New(client, fetcher, log, append(storeOpts, pending.WithNotifier(notify))...)
	defer store.Close()

	opts.facing = string(facingMode(opts.facing, cfg.Scanner.FacingMode))
	img, err := acquire(ctx, cam, opts)
	if err != nil {
		return err
	}

	if opts.background {
		mealFor, err := parseOptionalMeal(opts.meal)
		if err != nil {
			return err
		}
		rec := store.StartFoodScan(ctx, pending.ScanRequest{ImageURL: img.URL, Origin: "cli", MealFor: mealFor})
		fmt.Println(renderRecord(rec))
		return nil
	}

	if err := scanner.StartScan(img); err != nil {
		return err
	}
	if !opts.demo {
		if err := chooseMeal(ctx, scanner, opts.meal); err != nil {
			return err
		}
	}

	st, err := scanner.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Println(renderState(st))
	return nil
}

// acquire loads the picked file or captures one frame from the camera.
func acquire(ctx context.Context, cam *camera.Manager, opts options) (*models.CapturedImage, error) {
	if opts.imagePath != "" {
		return cam.LoadFile(opts.imagePath)
	}

	if err := cam.Start(ctx, camera.FacingMode(opts.facing)); err != nil {
		if errors.Is(err, camera.ErrCameraUnavailable) {
			return nil, fmt.Errorf("%w: pass -image or -camera-frame", err)
		}
		return nil, err
	}
	defer cam.Stop()
	return cam.Capture()
}

// facingMode resolves the -facing flag, falling back to the configured mode.
func facingMode(flagValue, configValue string) camera.FacingMode {
	v := flagValue
	if v == "" {
		v = configValue
	}
	if v == string(camera.FacingUser) {
		return camera.FacingUser
	}
	return camera.FacingEnvironment
}

// chooseMeal selects the meal from the flag, or prompts for it while the
// upload runs.
func chooseMeal(ctx context.Context, scanner *scan.Scanner, flagValue string) error {
	if flagValue != "" {
		m, err := models.ParseMealCategory(flagValue)
		if err != nil {
			return err
		}
		return scanner.SelectMeal(m)
	}

	fmt.Println(renderPicker())
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errors.New("no meal selected")
			}
			m, err := parsePick(line)
			if err != nil {
				fmt.Println(renderHint(err.Error()))
				continue
			}
			return scanner.SelectMeal(m)
		}
	}
}

// parsePick accepts a picker number or a category name.
func parsePick(line string) (models.MealCategory, error) {
	line = strings.TrimSpace(line)
	cats := models.MealCategories()
	for i, c := range cats {
		if line == fmt.Sprint(i+1) {
			return c, nil
		}
	}
	return models.ParseMealCategory(line)
}

func parseOptionalMeal(s string) (models.MealCategory, error) {
	if s == "" {
		return "", nil
	}
	return models.ParseMealCategory(s)
}

// demoAnalyzer picks the direct classifier: the hosted model when one is
// configured, the backend's demo endpoint otherwise.
func demoAnalyzer(ctx context.Context, cfg *config.Config, client *api.Client, log logrus.FieldLogger) (scan.DirectAnalyzer, func(), error) {
	if cfg.ML.Type == "remote" {
		return client, func() {}, nil
	}
	model, err := ml.NewModel(cfg.ML.Type, cfg.ML.ConfigPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ML model: %w", err)
	}
	if err := model.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load ML model: %w", err)
	}
	return model, func() { model.Close() }, nil
}
