package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/franckalain/mealscan/internal/models"
)

//go:embed schema.sql
var schemaFS embed.FS

// timeLayout is fixed-width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB interface defines the methods our database should implement
type DB interface {
	SaveRecord(ctx context.Context, rec *models.PendingScanRecord) error
	GetRecord(ctx context.Context, id string) (*models.PendingScanRecord, error)
	RecentRecords(ctx context.Context, limit int) ([]*models.PendingScanRecord, error)
	Close() error
}

// SQLiteDB implements the DB interface
type SQLiteDB struct {
	db  *sql.DB
	log logrus.FieldLogger
}

var _ DB = (*SQLiteDB)(nil)

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(dbPath string, log logrus.FieldLogger) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// WAL lets the dashboard read while a scan record is written.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting busy timeout: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	log.WithField("path", dbPath).Debug("database schema initialized")
	return &SQLiteDB{db: db, log: log}, nil
}

func initializeSchema(db *sql.DB) error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	if _, err := db.Exec(string(schemaBytes)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}
	return nil
}

// SaveRecord stores a terminal scan record, replacing one with the same id.
func (s *SQLiteDB) SaveRecord(ctx context.Context, rec *models.PendingScanRecord) error {
	query := `
		INSERT INTO scan_records (
			id, detected_food, calories, image_url, nutrition_data,
			status, meal_for, origin, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			detected_food = excluded.detected_food,
			calories = excluded.calories,
			image_url = excluded.image_url,
			nutrition_data = excluded.nutrition_data,
			status = excluded.status,
			meal_for = excluded.meal_for,
			origin = excluded.origin
	`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.DetectedFood, rec.Calories, rec.ImageURL, rec.NutritionData,
		string(rec.Status), string(rec.MealFor), rec.Origin,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("error saving record %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecord returns the record with id, or nil if there is none.
func (s *SQLiteDB) GetRecord(ctx context.Context, id string) (*models.PendingScanRecord, error) {
	query := `
		SELECT id, detected_food, calories, image_url, nutrition_data,
			status, meal_for, origin, created_at
		FROM scan_records WHERE id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecentRecords returns the most recent records, newest first.
func (s *SQLiteDB) RecentRecords(ctx context.Context, limit int) ([]*models.PendingScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, detected_food, calories, image_url, nutrition_data,
			status, meal_for, origin, created_at
		FROM scan_records
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.PendingScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.PendingScanRecord, error) {
	var rec models.PendingScanRecord
	var status, meal, createdAt string

	err := row.Scan(
		&rec.ID, &rec.DetectedFood, &rec.Calories, &rec.ImageURL, &rec.NutritionData,
		&status, &meal, &rec.Origin, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = models.RecordStatus(status)
	rec.MealFor = models.MealCategory(meal)
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &rec, nil
}
