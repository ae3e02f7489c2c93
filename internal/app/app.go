// Package app wires the pool ledger daemon together and runs the goroutines
// of the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/poolledger/internal/config"
)

// App owns the configuration, the logger and the cleanup of everything Wire
// opened.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

// New creates an App. cfg must already be validated.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the mode selected by the config until
// ctx is cancelled or a goroutine fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("postgres", a.cfg.UsesPostgres()),
		slog.Bool("api", a.cfg.ServesAPI()),
		slog.Bool("archive", a.cfg.Archives()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.mu.Lock()
	a.closers = append(a.closers, cleanup)
	a.mu.Unlock()

	switch api, archive := a.cfg.ServesAPI(), a.cfg.Archives(); {
	case api && archive:
		return a.FullMode(ctx, deps)
	case api:
		return a.ServerMode(ctx, deps)
	case archive:
		return a.ArchiveMode(ctx, deps)
	default:
		return fmt.Errorf("app: mode %q runs nothing", a.cfg.Mode)
	}
}

// Close releases resources in reverse order. Later calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	a.logger.Info("shutting down application")
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
