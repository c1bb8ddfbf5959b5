package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/selltide/marketsync/internal/api"
	"github.com/selltide/marketsync/internal/config"
	"github.com/selltide/marketsync/internal/manager"
	"github.com/selltide/marketsync/internal/marketplace"
	"github.com/selltide/marketsync/internal/ratelimit"
	"github.com/selltide/marketsync/internal/store"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Parse()

	// Load configuration before the logger so its settings apply
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting marketsync catalog sync engine",
		"config_file", *configFile)

	slog.Info("rate limit configuration",
		"pacing_interval", cfg.RateLimit.PacingInterval,
		"max_per_window", cfg.RateLimit.MaxPerWindow,
		"window", cfg.RateLimit.Window)

	// Open the snapshot store and migrate the schema
	slog.Info("connecting to database",
		"driver", cfg.Database.Driver,
		"dsn", cfg.Database.DSN)
	st, err := store.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	version, err := st.SchemaVersion()
	if err != nil {
		slog.Error("failed to read schema version", "error", err)
		os.Exit(1)
	}
	slog.Info("database schema ready", "version", version)

	// Start the rate gate
	gate, err := ratelimit.NewGate(cfg.RateLimit, logger)
	if err != nil {
		slog.Error("failed to create rate gate", "error", err)
		os.Exit(1)
	}
	gate.Start()
	defer gate.Shutdown()

	// Marketplace clients
	source := marketplace.NewSourceClient(cfg.Source, logger)
	destination := marketplace.NewDestinationClient(cfg.Destination, gate, logger)

	// Live progress feed for WebSocket subscribers
	hub := api.NewHub(logger)

	// Sync lifecycle manager
	mgr, err := manager.New(manager.Options{
		Gate:        gate,
		Policy:      cfg.Retry,
		Source:      source,
		Destination: destination,
		Store:       st,
		Logger:      logger,
		OnProgress:  hub.Publish,
	})
	if err != nil {
		slog.Error("failed to create sync manager", "error", err)
		os.Exit(1)
	}

	// Resume any sync interrupted by the previous process
	if snap, err := mgr.Recover(context.Background()); err != nil {
		slog.Error("crash recovery failed", "error", err)
		os.Exit(1)
	} else if snap != nil {
		slog.Info("resumed interrupted sync", "job_id", snap.JobID)
	}

	mgr.StartGC()

	// HTTP API
	server := api.NewServer(cfg.HTTP, mgr, hub, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	slog.Info("marketsync is running", "addr", cfg.HTTP.ListenAddr)

	// Wait for interrupt signal or server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("shutting down gracefully", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("api server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("sync manager shutdown failed", "error", err)
	}

	slog.Info("marketsync stopped")
}

// newLogger builds the process logger from config
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
