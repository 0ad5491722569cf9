package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/franckalain/mealscan/internal/logging"
	"github.com/franckalain/mealscan/internal/models"
)

func openTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "scans.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	rec := &models.PendingScanRecord{
		ID:            "r1",
		DetectedFood:  "Oatmeal",
		Calories:      310,
		ImageURL:      "https://x/oats.jpg",
		NutritionData: `{"fiber":8}`,
		Status:        models.StatusCompleted,
		MealFor:       models.MealBreakfast,
		Origin:        "dashboard",
		CreatedAt:     created,
	}
	if err := db.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("record not found")
	}
	if got.DetectedFood != "Oatmeal" || got.Calories != 310 || got.Status != models.StatusCompleted {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.MealFor != models.MealBreakfast || got.NutritionData != `{"fiber":8}` {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected %v, got %v", created, got.CreatedAt)
	}

	rec.Status = models.StatusNotDetected
	if err := db.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = db.GetRecord(ctx, "r1")
	if got.Status != models.StatusNotDetected {
		t.Fatalf("upsert did not update status, got %s", got.Status)
	}

	missing, err := db.GetRecord(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing record, got %v, %v", missing, err)
	}
}

func TestRecentRecordsOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := &models.PendingScanRecord{
			ID:           id,
			DetectedFood: "food " + id,
			Status:       models.StatusCompleted,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		}
		if err := db.SaveRecord(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	recs, err := db.RecentRecords(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Fatalf("unexpected order %v", ids(recs))
	}
}

func ids(recs []*models.PendingScanRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
