// Package analysis turns backend analysis payloads into the canonical
// nutrition result.
package analysis

import (
	"errors"
	"strings"

	"github.com/franckalain/mealscan/internal/models"
)

// UnknownFoodName is used when the backend did not name the food.
const UnknownFoodName = "Unknown Food"

// ErrNotRecognized means the response carried no usable analysis.
var ErrNotRecognized = errors.New("image not recognized")

// IsMeaningful reports whether a carries at least one nutrition or identity
// value. An id alone is not enough. Zero is a value.
func IsMeaningful(a *models.RawAnalysis) bool {
	if a == nil {
		return false
	}
	if a.Name != nil {
		return true
	}
	for _, f := range []*float64{
		a.Calories, a.Carbs, a.Protein, a.Fat, a.Confidence, a.HealthScore,
		a.Fiber, a.Sugar, a.Sodium, a.SaturatedFat, a.UnsaturatedFat,
	} {
		if f != nil {
			return true
		}
	}
	return len(a.Vitamins) > 0 || len(a.Minerals) > 0
}

// Normalize maps resp onto a NutritionAnalysisResult. It returns
// ErrNotRecognized when the backend declared failure, sent no meaningful
// analysis, or sent no id. The image URL is the first backend-hosted URL
// found, otherwise the first non-empty fallback.
func Normalize(resp *models.AnalysisResponse, fallbackURLs ...string) (*models.NutritionAnalysisResult, error) {
	if resp == nil {
		return nil, ErrNotRecognized
	}
	if resp.Success != nil && !*resp.Success {
		return nil, ErrNotRecognized
	}

	a := resp.Analysis
	if !IsMeaningful(a) {
		return nil, ErrNotRecognized
	}

	id := resp.ID
	if a.ID != nil {
		id = *a.ID
	}
	if id == "" {
		return nil, ErrNotRecognized
	}

	name := UnknownFoodName
	if a.Name != nil {
		name = *a.Name
	}

	return &models.NutritionAnalysisResult{
		ID:                id,
		MealName:          name,
		Calories:          value(a.Calories),
		Carbs:             value(a.Carbs),
		Protein:           value(a.Protein),
		Fats:              value(a.Fat),
		HealthScore:       value(a.HealthScore),
		HealthScoreReason: str(a.HealthScoreReason),
		Confidence:        value(a.Confidence),
		NutritionData: models.NutritionData{
			Fiber:          value(a.Fiber),
			Sugar:          value(a.Sugar),
			Sodium:         value(a.Sodium),
			SaturatedFat:   value(a.SaturatedFat),
			UnsaturatedFat: value(a.UnsaturatedFat),
			Vitamins:       a.Vitamins,
			Minerals:       a.Minerals,
		},
		IdentifiedItems: a.IdentifiedItems,
		ImageURL:        pickImage(str(a.ImageURL), resp.ImageURL, fallbackURLs),
	}, nil
}

func pickImage(analysisURL, responseURL string, fallbacks []string) string {
	for _, u := range []string{analysisURL, responseURL} {
		if isHosted(u) {
			return u
		}
	}
	for _, u := range fallbacks {
		if isHosted(u) {
			return u
		}
	}
	for _, u := range fallbacks {
		if u != "" {
			return u
		}
	}
	return ""
}

func isHosted(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")
}

func value(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
