// Package app provides the top-level application lifecycle management for
// alertbridge. It wires together all dependencies (exchange client, price
// feed, stores, Redis, blob storage, notifications) and starts the
// goroutines of the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/alertbridge/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger, version string) *App {
	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		version: version,
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("version", a.version),
		slog.Bool("live_trading", a.cfg.Trading.EnableTrading),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)
	for _, w := range a.cfg.Warnings() {
		a.logger.WarnContext(ctx, w)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
