package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// BaseConfig provides common configuration functionality
type BaseConfig struct {
	ConfigPath string `json:"-"`
}

// LoadConfig loads configuration from a file, falling back to environment
// variables. A file that exists but does not parse is an error.
func (c *BaseConfig) LoadConfig(configPath, envPrefix string, config any, log logrus.FieldLogger) error {
	paths := []string{filepath.Join("config", fmt.Sprintf("%s.json", envPrefix))}
	if configPath != "" {
		paths = append([]string{configPath}, paths...)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		log.WithField("path", path).Debug("loaded model configuration")
		return nil
	}

	log.Debugf("using environment variables for %s configuration", envPrefix)
	return nil
}
