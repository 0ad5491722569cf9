// Package ml classifies food photos with a hosted vision model. It backs
// demo mode, where no meal selection or upload takes place.
package ml

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/franckalain/mealscan/internal/models"
)

// Model represents a machine learning model that can analyze food photos
type Model interface {
	// Load initializes the model with its configuration
	Load(ctx context.Context) error
	// AnalyzeImage returns the analysis of a photo in the backend's shape
	AnalyzeImage(ctx context.Context, imageData []byte) (*models.AnalysisResponse, error)
	// Close releases the model's client
	Close() error
}

// ModelFactory creates a new model instance based on configuration
type ModelFactory interface {
	// CreateModel creates a new model instance
	CreateModel() (Model, error)
}

// NewModel creates a model of the given type. configPath may be empty, in
// which case config/<type>.json and the environment are used.
func NewModel(modelType, configPath string, log logrus.FieldLogger) (Model, error) {
	var factory ModelFactory

	switch modelType {
	case "google":
		config := GoogleConfig{
			BaseConfig: BaseConfig{
				ConfigPath: configPath,
			},
		}
		if err := config.Load(log); err != nil {
			return nil, fmt.Errorf("failed to load Google config: %w", err)
		}
		factory = NewGoogleModelFactory(config, log)
	default:
		return nil, fmt.Errorf("unsupported model type: %s", modelType)
	}
	return factory.CreateModel()
}
