package models

import (
	"encoding/json"
	"time"
)

// NutritionAnalysisResult is the canonical nutrition result shown to the user.
// It is built once by the normalizer and not modified afterwards.
type NutritionAnalysisResult struct {
	ID                string           `json:"id"`
	MealName          string           `json:"mealName"`
	Calories          float64          `json:"calories"` // kcal
	Carbs             float64          `json:"carbs"`    // grams
	Protein           float64          `json:"protein"`  // grams
	Fats              float64          `json:"fats"`     // grams
	HealthScore       float64          `json:"healthScore"`
	HealthScoreReason string           `json:"healthScoreReason"`
	Confidence        float64          `json:"confidence"`
	NutritionData     NutritionData    `json:"nutritionData"`
	IdentifiedItems   []IdentifiedItem `json:"identifiedItems"`
	ImageURL          string           `json:"imageUrl"`
}

// NutritionData holds the detail values of an analysis.
type NutritionData struct {
	Fiber          float64         `json:"fiber"`  // grams
	Sugar          float64         `json:"sugar"`  // grams
	Sodium         float64         `json:"sodium"` // milligrams
	SaturatedFat   float64         `json:"saturatedFat"`
	UnsaturatedFat float64         `json:"unsaturatedFat"`
	Vitamins       json.RawMessage `json:"vitamins,omitempty"`
	Minerals       json.RawMessage `json:"minerals,omitempty"`
}

// RecordStatus is the terminal status of a background scan.
type RecordStatus string

const (
	StatusCompleted   RecordStatus = "completed"
	StatusNotDetected RecordStatus = "not_detected"
)

// PendingScanRecord is the terminal outcome of a scan started from a screen
// that may navigate away before it completes.
type PendingScanRecord struct {
	ID            string       `json:"id"`
	DetectedFood  string       `json:"detected_food"`
	Calories      float64      `json:"calories"`
	ImageURL      string       `json:"image_url"`
	NutritionData string       `json:"nutrition_data"` // serialized NutritionAnalysisResult
	Status        RecordStatus `json:"status"`
	MealFor       MealCategory `json:"meal_for,omitempty"`
	Origin        string       `json:"origin,omitempty"` // screen that started the scan
	CreatedAt     time.Time    `json:"created_at"`
}
