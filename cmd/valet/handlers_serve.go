package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/observability"
)

// shutdownGrace bounds how long a stopping daemon waits for in-flight
// requests and queued audit writes.
const shutdownGrace = 30 * time.Second

// runServe implements the serve command: load configuration, assemble
// the daemon, run until a signal arrives, then stop gracefully.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting valet",
		"version", version,
		"commit", commit,
		"data_dir", cfg.DataDir,
		"default_tier", cfg.Router.DefaultTier,
		"tiers", len(cfg.Tiers),
	)

	d, err := newDaemon(ctx, cfg, logger, daemonOptions{
		scheduler: cfg.Scheduler.Enabled,
		server:    cfg.Server.Enabled,
	})
	if err != nil {
		return err
	}
	d.checkup(ctx)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if stopErr := d.shutdown(shutdownCtx); stopErr != nil {
			logger.Error("shutdown after failed start", "error", stopErr)
		}
		return err
	}

	if d.srv != nil {
		logger.Info("valet ready", "addr", d.srv.Addr())
	} else {
		logger.Info("valet ready", "server", "disabled")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("valet stopped")
	return nil
}
