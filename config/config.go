// Package config provides configuration loading and management for manifestme.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/manifestme/job"
)

// Storage backends for the in-flight job record.
const (
	StorageFile = "file"
	StorageNATS = "nats"
)

// Config represents the complete manifestme configuration
type Config struct {
	API      APIConfig      `yaml:"api"`
	Polling  PollingConfig  `yaml:"polling"`
	Progress ProgressConfig `yaml:"progress"`
	Storage  StorageConfig  `yaml:"storage"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// APIConfig configures the backend connection
type APIConfig struct {
	// BaseURL is the API root, including any path prefix such as /api
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each HTTP request
	Timeout time.Duration `yaml:"timeout"`
}

// PollingConfig configures job status polling
type PollingConfig struct {
	Interval           time.Duration `yaml:"interval"`
	MaxWait            time.Duration `yaml:"max_wait"`
	MaxTransportErrors int           `yaml:"max_transport_errors"`
}

// ProgressConfig configures the simulated progress bar
type ProgressConfig struct {
	// Tick of zero disables the simulation
	Tick    time.Duration `yaml:"tick"`
	Step    float64       `yaml:"step"`
	Ceiling float64       `yaml:"ceiling"`
}

// StorageConfig configures where the credential and job record live
type StorageConfig struct {
	// Dir holds the credential file and the file-backed job record
	Dir string `yaml:"dir"`
	// Backend is "file" or "nats"
	Backend string `yaml:"backend"`
}

// NATSConfig configures the JetStream KV job store
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in settings used before any file or env layer.
func DefaultConfig() *Config {
	poll := job.DefaultPollConfig()
	progress := job.DefaultProgressConfig()

	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:8000/api",
			Timeout: 30 * time.Second,
		},
		Polling: PollingConfig{
			Interval:           poll.Interval,
			MaxWait:            poll.MaxWait,
			MaxTransportErrors: poll.MaxTransportErrors,
		},
		Progress: ProgressConfig{
			Tick:    progress.Tick,
			Step:    progress.Step,
			Ceiling: progress.Ceiling,
		},
		Storage: StorageConfig{
			Dir:     defaultStorageDir(),
			Backend: StorageFile,
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Bucket: "MANIFESTME_JOBS",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".manifestme"
	}
	return filepath.Join(home, ".local", "share", "manifestme")
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http or https URL")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if err := c.PollConfig().Validate(); err != nil {
		return fmt.Errorf("polling: %w", err)
	}
	if c.Progress.Tick < 0 {
		return fmt.Errorf("progress.tick must not be negative")
	}
	if c.Progress.Ceiling < 0 || c.Progress.Ceiling > 1 {
		return fmt.Errorf("progress.ceiling must be between 0 and 1")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	switch c.Storage.Backend {
	case StorageFile:
	case StorageNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when storage.backend is nats")
		}
		if c.NATS.Bucket == "" {
			return fmt.Errorf("nats.bucket is required when storage.backend is nats")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageFile, StorageNATS)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// PollConfig converts the polling section for the job controller.
func (c *Config) PollConfig() job.PollConfig {
	return job.PollConfig{
		Interval:           c.Polling.Interval,
		MaxWait:            c.Polling.MaxWait,
		MaxTransportErrors: c.Polling.MaxTransportErrors,
	}
}

// ProgressConfig converts the progress section for the job controller.
func (c *Config) ProgressConfig() job.ProgressConfig {
	return job.ProgressConfig{
		Tick:    c.Progress.Tick,
		Step:    c.Progress.Step,
		Ceiling: c.Progress.Ceiling,
	}
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}

// LoadFromFile parses a YAML file. Unset fields stay zero so the result can be merged.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return config, nil
}

// SaveToFile writes c as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Merge copies every non-zero field of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// API
	if other.API.BaseURL != "" {
		c.API.BaseURL = other.API.BaseURL
	}
	if other.API.Timeout != 0 {
		c.API.Timeout = other.API.Timeout
	}

	// Polling
	if other.Polling.Interval != 0 {
		c.Polling.Interval = other.Polling.Interval
	}
	if other.Polling.MaxWait != 0 {
		c.Polling.MaxWait = other.Polling.MaxWait
	}
	if other.Polling.MaxTransportErrors != 0 {
		c.Polling.MaxTransportErrors = other.Polling.MaxTransportErrors
	}

	// Progress
	if other.Progress.Tick != 0 {
		c.Progress.Tick = other.Progress.Tick
	}
	if other.Progress.Step != 0 {
		c.Progress.Step = other.Progress.Step
	}
	if other.Progress.Ceiling != 0 {
		c.Progress.Ceiling = other.Progress.Ceiling
	}

	// Storage
	if other.Storage.Dir != "" {
		c.Storage.Dir = other.Storage.Dir
	}
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Bucket != "" {
		c.NATS.Bucket = other.NATS.Bucket
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
