package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/franckalain/mealscan/internal/models"
)

const defaultGoogleModel = "gemini-1.5-flash"

// GoogleConfig holds configuration for the Google model
type GoogleConfig struct {
	BaseConfig
	ProjectID       string `json:"project_id"`
	Location        string `json:"location"`
	CredentialsFile string `json:"credentials_file"`
	Model           string `json:"model"`
}

// Load loads the Google configuration
func (c *GoogleConfig) Load(log logrus.FieldLogger) error {
	if err := c.LoadConfig(c.ConfigPath, "google", c, log); err != nil {
		return err
	}

	// Fall back to environment variables if not set
	if c.ProjectID == "" {
		c.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Location == "" {
		c.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
	if c.Model == "" {
		c.Model = defaultGoogleModel
	}

	if c.ProjectID == "" || c.Location == "" {
		return errors.New("project_id and location are required")
	}
	return nil
}

// GoogleModel implements the Model interface for Google's Vertex AI
type GoogleModel struct {
	config GoogleConfig
	log    logrus.FieldLogger
	client *genai.Client
	model  *genai.GenerativeModel
}

var _ Model = (*GoogleModel)(nil)

// GoogleModelFactory implements ModelFactory for Google models
type GoogleModelFactory struct {
	config GoogleConfig
	log    logrus.FieldLogger
}

// NewGoogleModelFactory creates a new Google model factory
func NewGoogleModelFactory(config GoogleConfig, log logrus.FieldLogger) *GoogleModelFactory {
	return &GoogleModelFactory{config: config, log: log}
}

// CreateModel creates a new Google model instance
func (f *GoogleModelFactory) CreateModel() (Model, error) {
	return &GoogleModel{
		config: f.config,
		log:    f.log.WithField("model", f.config.Model),
	}, nil
}

// Load initializes the Google model
func (m *GoogleModel) Load(ctx context.Context) error {
	opts := []option.ClientOption{}

	if m.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(m.config.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, m.config.ProjectID, m.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	m.client = client
	m.model = client.GenerativeModel(m.config.Model)
	return nil
}

// Close releases the Vertex AI client.
func (m *GoogleModel) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

const foodPrompt = `Identify the food in this photo and estimate the nutrition of the whole portion shown.

Format the response as a JSON object with exactly one of "error" or "success" populated.
If there is no food in the photo, or it cannot be identified, populate "error".
{
	"error": {
		"error_reason": "string",
		"suggestion_for_better_results": "string"
	},
	"success": {
		"name": "string",
		"calories": number,
		"protein": number,
		"carbs": number,
		"fat": number,
		"fiber": number,
		"sugar": number,
		"sodium": number,
		"health_score": number,
		"health_score_reason": "string",
		"confidence": number,
		"identified_items": [{"name": "string", "quantity": "string", "calories": number}]
	}
}`

// AnalyzeImage classifies a food photo with Vertex AI.
func (m *GoogleModel) AnalyzeImage(ctx context.Context, imageData []byte) (*models.AnalysisResponse, error) {
	if m.model == nil {
		return nil, fmt.Errorf("model not loaded")
	}

	img := genai.ImageData("jpeg", imageData)

	m.log.WithField("bytes", len(imageData)).Debug("calling the model")
	resp, err := m.model.GenerateContent(ctx, genai.Text(foodPrompt), img)
	if err != nil {
		return nil, fmt.Errorf("failed to call ai: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no response generated")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in response")
	}

	var text string
	if t, ok := candidate.Content.Parts[0].(genai.Text); ok {
		text = string(t)
	} else {
		text = fmt.Sprintf("%v", candidate.Content.Parts[0])
	}
	return parseModelOutput(text)
}

// parseModelOutput turns the model's reply into an AnalysisResponse. A reply
// that reports an error becomes an unsuccessful response, not a Go error.
func parseModelOutput(text string) (*models.AnalysisResponse, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var output struct {
		Error *struct {
			ErrorReason string `json:"error_reason"`
			Suggestion  string `json:"suggestion_for_better_results"`
		} `json:"error"`
		Success json.RawMessage `json:"success"`
	}
	if err := json.Unmarshal([]byte(text), &output); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w while parsing %s", err, text)
	}

	if output.Error != nil && output.Error.ErrorReason != "" {
		failed := false
		msg := output.Error.ErrorReason
		if output.Error.Suggestion != "" {
			msg += "; suggestion: " + output.Error.Suggestion
		}
		return &models.AnalysisResponse{Success: &failed, Error: msg}, nil
	}

	if len(output.Success) == 0 || string(output.Success) == "null" {
		return nil, fmt.Errorf("missing or invalid success object in response")
	}

	var analysis models.RawAnalysis
	if err := json.Unmarshal(output.Success, &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}

	ok := true
	return &models.AnalysisResponse{
		Success:  &ok,
		ID:       uuid.New().String(),
		Analysis: &analysis,
	}, nil
}
