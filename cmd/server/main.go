/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the learning engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config file, LEARNING_* env, flags)
  2. Initialize the SQLite store
  3. Wire ledger, membership sync, payment gateway, coordinator, recurrence engine
  4. Configure the HTTP router and start background jobs
  5. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  --config     Config file (yaml, toml or json)
  --port       HTTP server port (default: 8080)
  --db         SQLite database path (default: learning.db)
               Use ":memory:" for an in-memory database
  --log-level  debug, info, warn or error

PAYMENT GATEWAY:
  With gateway.secret_key set, charges go to the configured provider and
  the webhook verifies callbacks with the same key. Without it an
  in-process fake gateway is used and the webhook is disabled.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests and running jobs (30s timeout)
  3. Close database connection

EXAMPLES:
  ./server --db=./data/learning.db
  LEARNING_ENROLLMENT_COMMISSION_RATE=0.15 ./server --port=3000
  ./server --config=/etc/learning.yaml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/dvuka/learning-engine/api"
	"github.com/dvuka/learning-engine/config"
	"github.com/dvuka/learning-engine/enrollment"
	"github.com/dvuka/learning-engine/gateway"
	"github.com/dvuka/learning-engine/ledger"
	"github.com/dvuka/learning-engine/membership"
	"github.com/dvuka/learning-engine/recurrence"
	"github.com/dvuka/learning-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Enrollment, wallet ledger and scheduling server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "learning.db", "SQLite database path")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	// Flags only override the other sources when set explicitly.
	for key, name := range map[string]string{
		"port":      "port",
		"db_path":   "db",
		"log_level": "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Domain services
	ldg := ledger.New(store, ledger.WithLogger(logger))
	syncer := membership.NewSyncer(store, store,
		membership.WithLogger(logger),
		membership.WithMaxElapsed(cfg.Sync.MaxElapsed),
		membership.WithRetryDelay(cfg.Sync.RetryDelay),
	)

	var gw enrollment.Gateway
	webhookSecret := cfg.Gateway.SecretKey
	if webhookSecret != "" {
		gw = gateway.NewHTTPGateway(gateway.Config{
			BaseURL:     cfg.Gateway.BaseURL,
			SecretKey:   cfg.Gateway.SecretKey,
			CallbackURL: cfg.Gateway.CallbackURL,
			Timeout:     cfg.Gateway.Timeout,
			MaxElapsed:  cfg.Gateway.MaxElapsed,
		})
	} else {
		logger.Warn("no gateway secret configured, using the in-process fake gateway")
		gw = gateway.NewFake()
	}

	coordinator := enrollment.NewCoordinator(store, ldg, store, gw, syncer, enrollment.Config{
		CommissionRate: cfg.CommissionRate(),
		IntentTTL:      cfg.Enrollment.IntentTTL,
		Currency:       cfg.Enrollment.Currency,
	}, enrollment.WithLogger(logger))

	engine := recurrence.NewEngine(store, recurrence.Config{
		Horizon:     cfg.Recurrence.Horizon,
		Parallelism: cfg.Recurrence.Parallelism,
		Logger:      logger,
	})

	// Background jobs
	scheduler, err := api.NewScheduler(api.Jobs{
		Coordinator: coordinator,
		Engine:      engine,
		Syncer:      syncer,
		Ledger:      ldg,
		RetryAfter:  cfg.Sync.RetryAfter,
	}, cfg.Schedule, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	// HTTP
	handler := api.NewHandler(store, coordinator, ldg, engine, webhookSecret, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
