package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/escrowd/service/app"
	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/server"
	"github.com/brojonat/escrowd/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	core, err := app.Build(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	// Webhooks recorded by any replica are processed off the shared queue
	go func() {
		if err := core.ConsumeWebhooks(ctx); err != nil {
			logger.Error("webhook consumer stopped", "error", err)
		}
	}()

	var stream *server.SSEPublisher
	if cfg.NATSURL != "" {
		stream, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
	}

	// Register the reconciliation sweep. The worker executes it.
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()
	if err := temporal.EnsureSweepSchedule(ctx, temporalClient, cfg.SweepInterval, app.SweepInput(cfg), logger); err != nil {
		logger.Error("failed to register sweep schedule", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Transactions: core.Machine,
		Escrow:       core.Ledger,
		Webhooks:     core.Webhooks,
		Stream:       stream,
		DB:           core.Store,
	}, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"sweep_interval", cfg.SweepInterval,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
