package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	path := writeConfig(t, `{"api": {"base_url": "https://api.example.com/"}}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.API.BaseURL)
	}
	if cfg.API.UploadTimeout.Duration != 5*time.Minute {
		t.Fatalf("expected 5m upload timeout, got %s", cfg.API.UploadTimeout)
	}
	if cfg.Preview.Type != "dataurl" {
		t.Fatalf("expected dataurl preview, got %q", cfg.Preview.Type)
	}
	if len(cfg.Pending.Phases) == 0 {
		t.Fatal("expected default phases")
	}
	if cfg.Scanner.FacingMode != "environment" {
		t.Fatalf("expected environment facing, got %q", cfg.Scanner.FacingMode)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	path := writeConfig(t, `{
		"api": {"base_url": "https://api.example.com", "upload_timeout": "90s"},
		"pending": {"clear_delay": "250ms"}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.UploadTimeout.Duration != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.API.UploadTimeout)
	}
	if cfg.Pending.ClearDelay.Duration != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.Pending.ClearDelay)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv(EnvAPIURL, "https://env.example.com")
	t.Setenv(EnvAPIToken, "secret")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" {
		t.Fatalf("expected env base url, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Token != "secret" {
		t.Fatalf("expected env token, got %q", cfg.API.Token)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(EnvAPIURL, "")

	tests := []struct {
		name string
		body string
	}{
		{"missing base url", `{}`},
		{"bad json", `{"api": `},
		{"bad duration", `{"api": {"base_url": "https://x", "upload_timeout": "soon"}}`},
		{"s3 without bucket", `{"api": {"base_url": "https://x"}, "preview": {"type": "s3"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvS3Bucket, "")
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
