package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/c360studio/manifestme/config"
	"github.com/c360studio/manifestme/credstore"
	"github.com/c360studio/manifestme/job"
	"github.com/c360studio/manifestme/jobstore"
	"github.com/c360studio/manifestme/session"
)

// jobKey is the KV key of the single active job slot.
const jobKey = "active"

// App wires configuration, storage and the session for one command run.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	client   *apiclient.Client
	creds    *credstore.FileStore
	jobs     jobstore.Store

	// NATS, only when storage.backend is nats
	natsConn *nats.Conn

	metricsAddr string
	metricsSrv  *http.Server

	sess *session.Session
}

// NewApp builds the API client and credential store from cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		client: apiclient.NewClient(cfg.API.BaseURL,
			apiclient.WithTimeout(cfg.API.Timeout),
			apiclient.WithLogger(logger)),
		creds: credstore.NewFileStore(cfg.Storage.Dir, logger),
	}
}

// Start opens the job store and builds the session.
func (a *App) Start(ctx context.Context) error {
	if err := a.openJobStore(ctx); err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	sess, err := session.New(session.Options{
		API:         a.client,
		Credentials: a.creds,
		Jobs:        a.jobs,
		Logger:      a.logger,
		JobOptions: []job.Option{
			job.WithPollConfig(a.cfg.PollConfig()),
			job.WithProgressConfig(a.cfg.ProgressConfig()),
			job.WithMetrics(job.NewMetrics(a.registry)),
		},
	})
	if err != nil {
		return err
	}
	a.sess = sess

	if a.metricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) openJobStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StorageNATS:
		a.logger.Debug("Connecting to NATS", "url", a.cfg.NATS.URL, "bucket", a.cfg.NATS.Bucket)
		store, conn, err := jobstore.ConnectKV(ctx, a.cfg.NATS.URL, a.cfg.NATS.Bucket, jobKey)
		if err != nil {
			return err
		}
		a.jobs = store
		a.natsConn = conn
	default:
		a.jobs = jobstore.NewFileStore(a.cfg.Storage.Dir)
	}
	return nil
}

func (a *App) serveMetrics() error {
	ln, err := net.Listen("tcp", a.metricsAddr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the session and releases connections.
func (a *App) Shutdown(timeout time.Duration) {
	if a.sess != nil {
		a.sess.Close()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
}

// withApp loads configuration, starts an App for the duration of fn and
// cancels on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, app *App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(flags, newLogger(flags.logLevel))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)

	app := NewApp(cfg, logger)
	app.metricsAddr = flags.metricsAddr
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	return fn(ctx, app)
}
