package analysis

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/franckalain/mealscan/internal/models"
)

func decode(t *testing.T, body string) *models.AnalysisResponse {
	t.Helper()
	var resp models.AnalysisResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal %s: %v", body, err)
	}
	return &resp
}

func TestNormalizeNotRecognized(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"id only", `{"id": "x"}`},
		{"id in analysis only", `{"analysis": {"id": "x"}}`},
		{"empty analysis", `{"analysis": {}, "id": "A2"}`},
		{"blank fields", `{"analysis": {"name": "", "vitamins": {}, "minerals": []}, "id": "A2"}`},
		{"explicit failure", `{"success": false, "analysis": {"calories": 400}, "id": "x"}`},
		{"no id", `{"analysis": {"calories": 400}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(decode(t, tt.body))
			if !errors.Is(err, ErrNotRecognized) {
				t.Fatalf("expected ErrNotRecognized, got %v", err)
			}
		})
	}

	if _, err := Normalize(nil); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("nil response: expected ErrNotRecognized, got %v", err)
	}
}

func TestNormalizeCaloriesOnly(t *testing.T) {
	for _, body := range []string{
		`{"id": "x", "analysis": {"calories": 400}}`,
		`{"id": "x", "calories": 400}`,
	} {
		for i := 0; i < 3; i++ {
			res, err := Normalize(decode(t, body))
			if err != nil {
				t.Fatalf("normalize %s: %v", body, err)
			}
			if res.Calories != 400 || res.MealName != UnknownFoodName || res.ID != "x" {
				t.Fatalf("unexpected result for %s: %+v", body, res)
			}
		}
	}
}

func TestNormalizeFlatPayload(t *testing.T) {
	res, err := Normalize(decode(t, `{"success": true, "id": 12, "food_name": "Bagel", "calories": "290", "fats": 2}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.ID != "12" || res.MealName != "Bagel" || res.Calories != 290 || res.Fats != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNormalizeZeroIsMeaningful(t *testing.T) {
	res, err := Normalize(decode(t, `{"id": "w", "analysis": {"calories": 0}}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Calories != 0 {
		t.Fatalf("unexpected calories %v", res.Calories)
	}
}

func TestNormalizeMapping(t *testing.T) {
	body := `{
		"success": true,
		"id": "top",
		"analysis": {
			"id": "A1",
			"name": "Grilled Salmon",
			"calories": 420, "carbs": 3, "protein": 38, "fats": 27,
			"confidence": 0.92, "healthScore": 8, "healthScoreReason": "lean protein",
			"nutritionData": {"fiber": 1, "sugar": 0.5, "sodium": 310, "saturatedFat": 5, "unsaturatedFat": 18,
				"vitamins": {"D": "80%"}, "minerals": ["selenium"]},
			"identifiedItems": [{"name": "salmon"}, {"name": "lemon"}]
		}
	}`

	res, err := Normalize(decode(t, body), "blob:mealscan/abc")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.ID != "A1" {
		t.Errorf("analysis id should win over top-level id, got %q", res.ID)
	}
	if res.MealName != "Grilled Salmon" || res.Fats != 27 || res.HealthScore != 8 {
		t.Errorf("unexpected core fields %+v", res)
	}
	nd := res.NutritionData
	if nd.Fiber != 1 || nd.Sodium != 310 || nd.UnsaturatedFat != 18 {
		t.Errorf("unexpected nutrition data %+v", nd)
	}
	if string(nd.Vitamins) != `{"D": "80%"}` {
		t.Errorf("unexpected vitamins %s", nd.Vitamins)
	}
	if len(res.IdentifiedItems) != 2 {
		t.Errorf("expected 2 items, got %d", len(res.IdentifiedItems))
	}
	if res.ImageURL != "blob:mealscan/abc" {
		t.Errorf("expected local fallback url, got %q", res.ImageURL)
	}
}

func TestNormalizeImagePriority(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		fallbacks []string
		want      string
	}{
		{
			name: "analysis url",
			body: `{"id": "1", "image_url": "https://top/b.jpg", "analysis": {"calories": 1, "image_url": "https://cdn/a.jpg"}}`,
			want: "https://cdn/a.jpg",
		},
		{
			name:      "response url before fallbacks",
			body:      `{"id": "1", "image_url": "https://top/b.jpg", "analysis": {"calories": 1}}`,
			fallbacks: []string{"https://upload/c.jpg", "blob:mealscan/x"},
			want:      "https://top/b.jpg",
		},
		{
			name:      "hosted fallback before local",
			body:      `{"id": "1", "analysis": {"calories": 1}}`,
			fallbacks: []string{"blob:mealscan/x", "https://upload/c.jpg"},
			want:      "https://upload/c.jpg",
		},
		{
			name:      "local fallback",
			body:      `{"id": "1", "analysis": {"calories": 1}}`,
			fallbacks: []string{"", "blob:mealscan/x"},
			want:      "blob:mealscan/x",
		},
		{
			name: "none",
			body: `{"id": "1", "analysis": {"calories": 1}}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Normalize(decode(t, tt.body), tt.fallbacks...)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if res.ImageURL != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, res.ImageURL)
			}
		})
	}
}

func TestIsMeaningful(t *testing.T) {
	name := "Toast"
	if IsMeaningful(nil) {
		t.Fatal("nil analysis is not meaningful")
	}
	if !IsMeaningful(&models.RawAnalysis{Name: &name}) {
		t.Fatal("a name is meaningful")
	}
	if !IsMeaningful(&models.RawAnalysis{Minerals: json.RawMessage(`["iron"]`)}) {
		t.Fatal("minerals are meaningful")
	}
}
