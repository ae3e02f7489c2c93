package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolledger/internal/crypto"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/ledger"
	"github.com/alanyoungcy/poolledger/internal/pipeline"
	"github.com/alanyoungcy/poolledger/internal/server"
	"github.com/alanyoungcy/poolledger/internal/server/handler"
	"github.com/alanyoungcy/poolledger/internal/server/ws"
	"github.com/alanyoungcy/poolledger/internal/service"
)

// adminMaxSkew bounds the clock drift accepted on admin request signatures.
const adminMaxSkew = 30 * time.Second

// ServerMode serves the command and query API until the context is cancelled.
// Memory mode runs through here too, without Redis-backed locks, events or
// rate limiting.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, nil); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	return ignoreCanceled(g.Wait())
}

// ArchiveMode runs only the audit archive job.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startArchiveJob(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return ignoreCanceled(g.Wait())
}

// FullMode serves the API and runs the archive job side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	job, err := a.startArchiveJob(ctx, g, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.startHTTPServer(ctx, g, deps, job.Trigger()); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	return ignoreCanceled(g.Wait())
}

// newLedgerService builds the command pipeline around the operator key.
func (a *App) newLedgerService(deps *Dependencies) (*service.LedgerService, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Operator.PrivateKey,
		EncryptedKeyPath: a.cfg.Operator.EncryptedKeyPath,
		KeyPassword:      a.cfg.Operator.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load operator key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Ledger.ChainID)
	if err != nil {
		return nil, fmt.Errorf("operator signer: %w", err)
	}

	engine := ledger.NewEngine(deps.LedgerStore, deps.Tokens, ledger.Options{
		StrictPhases: a.cfg.Ledger.StrictPhases,
	})
	svc := service.NewLedgerService(
		engine,
		deps.LedgerReader,
		deps.LedgerStore,
		deps.AuditStore,
		deps.Nonces,
		signer,
		service.Options{
			MaxCommandTTL: a.cfg.Ledger.CommandTTL.Duration,
			LockTTL:       a.cfg.Ledger.LockTTL.Duration,
		},
		a.logger,
	).WithTokenAccounts(deps.Tokens)

	if deps.LockManager != nil {
		svc = svc.WithLocks(deps.LockManager)
	}
	if deps.SignalBus != nil {
		svc = svc.WithBus(deps.SignalBus)
	}
	if deps.Notifier.Enabled() {
		svc = svc.WithNotifier(deps.Notifier)
	}
	return svc, nil
}

// startHTTPServer registers the HTTP server, the WebSocket hub and the
// shutdown watcher on g. archiveTrigger, when non-nil, backs the manual
// archive endpoint.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, archiveTrigger chan<- struct{}) error {
	svc, err := a.newLedgerService(deps)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "ledger service ready",
		slog.String("operator", svc.Operator().Hex()),
		slog.Int64("chain_id", a.cfg.Ledger.ChainID),
		slog.Bool("strict_phases", a.cfg.Ledger.StrictPhases),
	)

	startedAt := time.Now().UTC()
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: &handler.StatusHandler{
			Mode:         a.cfg.Mode,
			Operator:     svc.Operator(),
			ChainID:      a.cfg.Ledger.ChainID,
			StrictPhases: a.cfg.Ledger.StrictPhases,
			StartedAt:    startedAt,
		},
		Commands: handler.NewCommandHandler(svc, a.logger),
		Ledger:   handler.NewLedgerHandler(svc, a.logger),
		History:  handler.NewHistoryHandler(svc, a.logger),
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}
	if a.cfg.Server.AdminSecret != "" {
		srvCfg.Admin = &crypto.HMACAuth{
			Key:     a.cfg.Server.AdminKey,
			Secret:  a.cfg.Server.AdminSecret,
			MaxSkew: adminMaxSkew,
		}
		admin := handler.NewAdminHandler(svc, a.logger)
		if deps.BlobReader != nil {
			admin = admin.WithArchives(deps.BlobReader)
		}
		handlers.Admin = admin
		if archiveTrigger != nil {
			handlers.Archive = handler.NewArchiveTriggerHandler(archiveTrigger, a.logger)
		}
	} else {
		a.logger.WarnContext(ctx, "server: admin_secret not set, admin endpoints disabled")
	}

	// WebSocket hub requires the Redis SignalBus.
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hubCfg := ws.Config{
			Mode:           a.cfg.Mode,
			Operator:       svc.Operator(),
			StartedAt:      startedAt,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		}
		if backlog, ok := deps.SignalBus.(domain.EventStream); ok {
			hubCfg.Backlog = backlog
		}
		hub = ws.NewHub(deps.SignalBus, a.logger, hubCfg)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(srvCfg, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// startArchiveJob registers the audit archive loop on g.
func (a *App) startArchiveJob(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*pipeline.ArchiveJob, error) {
	if deps.Archiver == nil {
		return nil, errors.New("archiver not wired")
	}
	job := pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)

	g.Go(func() error {
		if a.cfg.Archive.Cron != "" {
			return job.RunCron(ctx, a.cfg.Archive.Cron)
		}
		return job.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
	})
	a.logger.InfoContext(ctx, "archive job scheduled",
		slog.String("cron", a.cfg.Archive.Cron),
		slog.Duration("interval", a.cfg.Archive.Interval.Duration),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
		slog.Bool("prune", a.cfg.Archive.Prune),
	)
	return job, nil
}

// ignoreCanceled treats shutdown by context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
