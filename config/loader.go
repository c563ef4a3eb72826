package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is looked up from the working directory upwards
	ProjectConfigFile = "manifestme.yaml"
	// UserConfigDir is relative to the home directory
	UserConfigDir = ".config/manifestme"
	// UserConfigFile lives in UserConfigDir
	UserConfigFile = "config.yaml"
	// EnvFile is read from the working directory when present
	EnvFile = ".env"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "MANIFESTME_"
)

// Loader resolves a Config from defaults, files and the environment.
type Loader struct {
	logger  *slog.Logger
	homeDir string
	workDir string
	environ func() []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the directory searched for the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = dir
	}
}

// WithWorkDir overrides the directory the project config search starts from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = dir
	}
}

// WithEnviron overrides the process environment.
func WithEnviron(fn func() []string) LoaderOption {
	return func(l *Loader) {
		l.environ = fn
	}
}

// NewLoader returns a Loader rooted at the user's home and working directories.
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, environ: os.Environ}
	for _, apply := range opts {
		apply(l)
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load builds the effective configuration. Later layers win:
//
//	defaults < ~/.config/manifestme/config.yaml < manifestme.yaml < .env < MANIFESTME_* env
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.overlayFile(cfg, "user", l.userConfigPath())
	l.overlayFile(cfg, "project", l.projectConfigPath())

	env, err := l.environment()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile merges the file at path into cfg. A missing file is skipped;
// an unreadable one is logged and skipped.
func (l *Loader) overlayFile(cfg *Config, layer, path string) {
	if path == "" {
		return
	}
	fileCfg, err := LoadFromFile(path)
	switch {
	case err == nil:
		l.logger.Debug("Applied config layer", "layer", layer, "path", path)
		cfg.Merge(fileCfg)
	case errors.Is(err, fs.ErrNotExist):
	default:
		l.logger.Warn("Ignoring unreadable config layer", "layer", layer, "path", path, "error", err)
	}
}

// EnsureUserConfig writes the defaults to the user config path unless a
// file is already there.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if path == "" {
		return fmt.Errorf("no home directory for user config")
	}

	_, err := os.Stat(path)
	if err == nil {
		l.logger.Debug("User config already present", "path", path)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Wrote default user config", "path", path)
	return nil
}

func (l *Loader) userConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// projectConfigPath walks from workDir towards the root and returns the
// first ProjectConfigFile found, or "".
func (l *Loader) projectConfigPath() string {
	if l.workDir == "" {
		return ""
	}
	for dir := l.workDir; ; {
		candidate := filepath.Join(dir, ProjectConfigFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		up := filepath.Dir(dir)
		if up == dir {
			return ""
		}
		dir = up
	}
}

// environment merges .env values under the process environment, which wins.
func (l *Loader) environment() (map[string]string, error) {
	env := make(map[string]string)

	if l.workDir != "" {
		path := filepath.Join(l.workDir, EnvFile)
		if _, err := os.Stat(path); err == nil {
			values, err := godotenv.Read(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			l.logger.Debug("Loaded env file", slog.String("path", path))
			for k, v := range values {
				env[k] = v
			}
		}
	}

	for _, kv := range l.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// applyEnv overlays MANIFESTME_* values onto config.
func applyEnv(config *Config, env map[string]string) error {
	strs := map[string]*string{
		"API_BASE_URL":    &config.API.BaseURL,
		"STORAGE_DIR":     &config.Storage.Dir,
		"STORAGE_BACKEND": &config.Storage.Backend,
		"NATS_URL":        &config.NATS.URL,
		"NATS_BUCKET":     &config.NATS.Bucket,
		"LOG_LEVEL":       &config.Log.Level,
	}
	durations := map[string]*time.Duration{
		"API_TIMEOUT":   &config.API.Timeout,
		"POLL_INTERVAL": &config.Polling.Interval,
		"POLL_MAX_WAIT": &config.Polling.MaxWait,
		"PROGRESS_TICK": &config.Progress.Tick,
	}

	for name, dst := range strs {
		if v, ok := env[EnvPrefix+name]; ok && v != "" {
			*dst = v
		}
	}
	for name, dst := range durations {
		v, ok := env[EnvPrefix+name]
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}
	if v, ok := env[EnvPrefix+"POLL_MAX_TRANSPORT_ERRORS"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPOLL_MAX_TRANSPORT_ERRORS: %w", EnvPrefix, err)
		}
		config.Polling.MaxTransportErrors = n
	}
	return nil
}
