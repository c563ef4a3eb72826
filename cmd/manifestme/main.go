// Package main provides the manifestme binary entry point.
// Manifestme submits text prompts to the manifestation backend, follows the
// resulting video job to completion and lists the user's gallery.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/c360studio/manifestme/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "manifestme"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	logLevel    string
	baseURL     string
	metricsAddr string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Turn text prompts into short videos",
		Long: `Manifestme sends a text prompt to the manifestation backend and
follows the video job until it finishes.

Only one manifestation runs at a time. A job accepted by the backend is
remembered, so "manifestme resume" picks it up after a restart.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.baseURL, "base-url", "", "Backend API base URL")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	cmd.AddCommand(
		loginCmd(flags),
		registerCmd(flags),
		logoutCmd(flags),
		statusCmd(flags),
		manifestCmd(flags),
		resumeCmd(flags),
		galleryCmd(flags),
		profileCmd(flags),
		uploadProfileCmd(flags),
		configCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// loadConfig resolves configuration from an explicit file or the layered loader,
// then applies flag overrides.
func loadConfig(flags *globalFlags, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	if flags.configPath != "" {
		fileCfg, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = config.DefaultConfig()
		cfg.Merge(fileCfg)
	} else {
		loaded, err := config.NewLoader(logger).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.baseURL != "" {
		cfg.API.BaseURL = flags.baseURL
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger configures the default logger from the level name.
func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
