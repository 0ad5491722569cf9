package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/franckalain/mealscan/internal/analysis"
	"github.com/franckalain/mealscan/internal/logging"
)

func TestParseModelOutput(t *testing.T) {
	reply := "```json\n" + `{
	"success": {
		"name": "Caesar salad",
		"calories": 320,
		"protein": 12,
		"carbs": "14",
		"fat": 24,
		"health_score": 6,
		"identified_items": [{"name": "romaine", "quantity": "1 cup", "calories": 8}]
	}
}` + "\n```"

	resp, err := parseModelOutput(reply)
	if err != nil {
		t.Fatalf("parseModelOutput() error = %v", err)
	}
	if resp.ID == "" || resp.Success == nil || !*resp.Success {
		t.Fatalf("expected a successful response with an id, got %+v", resp)
	}

	result, err := analysis.Normalize(resp)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if result.MealName != "Caesar salad" || result.Calories != 320 || result.Carbs != 14 || result.Fats != 24 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.IdentifiedItems) != 1 || result.IdentifiedItems[0].Name != "romaine" {
		t.Errorf("unexpected items %+v", result.IdentifiedItems)
	}
}

func TestParseModelOutputReportsNoFood(t *testing.T) {
	reply := `{"error": {"error_reason": "no food visible", "suggestion_for_better_results": "center the plate"}}`

	resp, err := parseModelOutput(reply)
	if err != nil {
		t.Fatalf("parseModelOutput() error = %v", err)
	}
	if resp.Success == nil || *resp.Success {
		t.Fatalf("expected an unsuccessful response, got %+v", resp)
	}
	if resp.Error != "no food visible; suggestion: center the plate" {
		t.Errorf("unexpected error text %q", resp.Error)
	}
	if _, err := analysis.Normalize(resp); err == nil {
		t.Error("an error reply must not normalize to a result")
	}
}

func TestParseModelOutputInvalid(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "I think this is pasta"},
		{"no success", `{"error": {"error_reason": ""}}`},
		{"null success", `{"success": null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseModelOutput(tt.reply); err == nil {
				t.Errorf("parseModelOutput(%q) expected error", tt.reply)
			}
		})
	}
}

func TestNewModelUnsupported(t *testing.T) {
	if _, err := NewModel("local", "", logging.Discard()); err == nil {
		t.Fatal("expected error for unsupported model type")
	}
}

func TestGoogleConfigFromFile(t *testing.T) {
	t.Setenv("GOOGLE_PROJECT_ID", "")
	t.Setenv("GOOGLE_LOCATION", "")
	path := writeFile(t, `{"project_id": "meals-prod", "location": "europe-west1"}`)

	cfg := GoogleConfig{BaseConfig: BaseConfig{ConfigPath: path}}
	if err := cfg.Load(logging.Discard()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProjectID != "meals-prod" || cfg.Location != "europe-west1" || cfg.Model != defaultGoogleModel {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestGoogleConfigRequiresProject(t *testing.T) {
	t.Setenv("GOOGLE_PROJECT_ID", "")
	t.Setenv("GOOGLE_LOCATION", "")

	cfg := GoogleConfig{}
	if err := cfg.Load(logging.Discard()); err == nil {
		t.Fatal("expected error without project and location")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "google.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
