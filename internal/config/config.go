package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvConfigPath = "MEALSCAN_CONFIG"
	EnvAPIURL     = "MEALSCAN_API_URL"
	EnvAPIToken   = "MEALSCAN_API_TOKEN"
	EnvS3Bucket   = "MEALSCAN_S3_BUCKET"
	EnvLogLevel   = "MEALSCAN_LOG_LEVEL"
)

// Duration is a time.Duration that reads from JSON strings like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config holds all application configuration
type Config struct {
	API struct {
		BaseURL        string   `json:"base_url"`
		Token          string   `json:"token"`
		UploadTimeout  Duration `json:"upload_timeout"`
		RequestTimeout Duration `json:"request_timeout"`
	} `json:"api"`

	Scanner struct {
		DemoMode    bool   `json:"demo_mode"`
		FacingMode  string `json:"facing_mode"` // "environment" or "user"
		JPEGQuality int    `json:"jpeg_quality"`
	} `json:"scanner"`

	Pending struct {
		Phases        []string `json:"phases"`
		PhaseInterval Duration `json:"phase_interval"`
		ClearDelay    Duration `json:"clear_delay"`
	} `json:"pending"`

	Preview struct {
		Type          string `json:"type"` // "dataurl" or "s3"
		Bucket        string `json:"bucket"`
		Region        string `json:"region"`
		Prefix        string `json:"prefix"`
		PublicBaseURL string `json:"public_base_url"`
	} `json:"preview"`

	Database struct {
		Path string `json:"path"`
	} `json:"database"`

	Server struct {
		Port string `json:"port"`
	} `json:"server"`

	ML struct {
		Type       string `json:"type"` // "remote" or "google"
		ConfigPath string `json:"config_path"`
	} `json:"ml"`

	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// LoadConfig loads configuration from a JSON file, then applies .env and
// environment overrides and fills in defaults. A missing file is not an
// error as long as the API base URL ends up set.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var config Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Environment only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)

	if config.API.BaseURL == "" {
		return nil, fmt.Errorf("api base_url is not set (config file or %s)", EnvAPIURL)
	}
	if config.Preview.Type == "s3" && config.Preview.Bucket == "" {
		return nil, fmt.Errorf("preview type s3 requires a bucket")
	}

	return &config, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		c.Preview.Bucket = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func applyDefaults(c *Config) {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.UploadTimeout.Duration == 0 {
		c.API.UploadTimeout.Duration = 5 * time.Minute
	}
	if c.API.RequestTimeout.Duration == 0 {
		c.API.RequestTimeout.Duration = 2 * time.Minute
	}
	if c.Scanner.FacingMode == "" {
		c.Scanner.FacingMode = "environment"
	}
	if c.Scanner.JPEGQuality <= 0 || c.Scanner.JPEGQuality > 100 {
		c.Scanner.JPEGQuality = 85
	}
	if len(c.Pending.Phases) == 0 {
		c.Pending.Phases = []string{
			"Uploading your photo",
			"Identifying food items",
			"Estimating portions",
			"Calculating nutrition",
		}
	}
	if c.Pending.PhaseInterval.Duration == 0 {
		c.Pending.PhaseInterval.Duration = 2 * time.Second
	}
	if c.Pending.ClearDelay.Duration == 0 {
		c.Pending.ClearDelay.Duration = 3 * time.Second
	}
	if c.Preview.Type == "" {
		c.Preview.Type = "dataurl"
	}
	if c.Preview.Prefix == "" {
		c.Preview.Prefix = "scan-previews"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mealscan.db"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.ML.Type == "" {
		c.ML.Type = "remote"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json")
	}

	// Finally, try current directory
	return "config.json"
}
