package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.BaseURL != "http://127.0.0.1:8000/api" {
		t.Errorf("expected default base URL http://127.0.0.1:8000/api, got %s", cfg.API.BaseURL)
	}
	if cfg.Polling.Interval != 10*time.Second {
		t.Errorf("expected default poll interval 10s, got %v", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxWait != 10*time.Minute {
		t.Errorf("expected default max wait 10m, got %v", cfg.Polling.MaxWait)
	}
	if cfg.Progress.Ceiling != 0.90 {
		t.Errorf("expected default progress ceiling 0.90, got %f", cfg.Progress.Ceiling)
	}
	if cfg.Storage.Backend != StorageFile {
		t.Errorf("expected file storage by default, got %s", cfg.Storage.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing base url",
			modify:  func(c *Config) { c.API.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "base url without scheme",
			modify:  func(c *Config) { c.API.BaseURL = "example.com/api" },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Polling.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "max wait shorter than interval",
			modify:  func(c *Config) { c.Polling.MaxWait = time.Second },
			wantErr: true,
		},
		{
			name:    "progress ceiling above one",
			modify:  func(c *Config) { c.Progress.Ceiling = 1.5 },
			wantErr: true,
		},
		{
			name:    "progress disabled",
			modify:  func(c *Config) { c.Progress.Tick = 0 },
			wantErr: false,
		},
		{
			name:    "unknown storage backend",
			modify:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: true,
		},
		{
			name: "nats backend without url",
			modify: func(c *Config) {
				c.Storage.Backend = StorageNATS
				c.NATS.URL = ""
			},
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifestme.yaml")

	content := `
api:
  base_url: "https://manifest.example.com/api"
  timeout: 45s
polling:
  interval: 5s
  max_wait: 2m
  max_transport_errors: 3
storage:
  backend: nats
nats:
  url: "nats://kv.internal:4222"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.API.BaseURL != "https://manifest.example.com/api" {
		t.Errorf("expected base URL https://manifest.example.com/api, got %s", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.API.Timeout)
	}
	if cfg.Polling.Interval != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", cfg.Polling.Interval)
	}
	if cfg.Polling.MaxTransportErrors != 3 {
		t.Errorf("expected 3 transport errors, got %d", cfg.Polling.MaxTransportErrors)
	}
	if cfg.Storage.Backend != StorageNATS {
		t.Errorf("expected nats backend, got %s", cfg.Storage.Backend)
	}
	if cfg.NATS.URL != "nats://kv.internal:4222" {
		t.Errorf("expected NATS URL nats://kv.internal:4222, got %s", cfg.NATS.URL)
	}
}

func TestMerge_KeepsUnsetFields(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		API: APIConfig{
			BaseURL: "https://override.example.com/api",
		},
		Polling: PollingConfig{
			Interval: 3 * time.Second,
		},
	}

	base.Merge(override)

	if base.API.BaseURL != "https://override.example.com/api" {
		t.Errorf("expected overridden base URL, got %s", base.API.BaseURL)
	}
	// Timeout should remain from base since override didn't set it
	if base.API.Timeout != 30*time.Second {
		t.Errorf("expected timeout to remain default, got %v", base.API.Timeout)
	}
	if base.Polling.Interval != 3*time.Second {
		t.Errorf("expected interval 3s, got %v", base.Polling.Interval)
	}
	if base.Polling.MaxWait != 10*time.Minute {
		t.Errorf("expected max wait to remain default, got %v", base.Polling.MaxWait)
	}
}

func TestSaveToFile_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "manifestme.yaml")

	cfg := DefaultConfig()
	cfg.API.BaseURL = "https://saved.example.com/api"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.API.BaseURL != "https://saved.example.com/api" {
		t.Errorf("expected base URL https://saved.example.com/api, got %s", loaded.API.BaseURL)
	}
	if loaded.Polling.Interval != cfg.Polling.Interval {
		t.Errorf("expected interval %v, got %v", cfg.Polling.Interval, loaded.Polling.Interval)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
