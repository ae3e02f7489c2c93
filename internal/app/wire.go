package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/poolledger/internal/blob/s3"
	"github.com/alanyoungcy/poolledger/internal/cache/redis"
	"github.com/alanyoungcy/poolledger/internal/config"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/notify"
	"github.com/alanyoungcy/poolledger/internal/server/handler"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
	"github.com/alanyoungcy/poolledger/internal/store/postgres"
)

// TokenSubsystem is the token side of the ledger: spend authorizations plus
// account management.
type TokenSubsystem interface {
	domain.TokenDelegator
	OpenAccount(ctx context.Context, account, owner common.Address) error
	Allowance(ctx context.Context, account, spender common.Address) (uint64, error)
}

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Ledger state
	LedgerStore  domain.LedgerStore
	LedgerReader domain.LedgerReader
	Tokens       TokenSubsystem

	// Audit trail
	AuditStore  domain.AuditStore
	AuditPruner domain.AuditPruner

	// Coordination (nil in memory mode, except Nonces)
	Nonces      domain.NonceGuard
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks are probed by GET /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	if !cfg.UsesPostgres() {
		ledger := memory.NewLedger()
		audit := memory.NewAuditLog()
		deps.LedgerStore = ledger
		deps.LedgerReader = ledger
		deps.Tokens = memory.NewTokenBook()
		deps.AuditStore = audit
		deps.AuditPruner = audit
		deps.Nonces = memory.NewNonceBook()
		logger.WarnContext(ctx, "wire: memory mode, ledger state is not persisted")
	} else {
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		ledger := postgres.NewLedger(pool)
		audit := postgres.NewAuditStore(pool)
		deps.LedgerStore = ledger
		deps.LedgerReader = ledger
		deps.Tokens = postgres.NewAllowanceStore(pool)
		deps.AuditStore = audit
		deps.AuditPruner = audit
		deps.HealthChecks["postgres"] = pgClient.Ping

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			Namespace:    cfg.Redis.Namespace,
			StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Nonces = redis.NewNonceGuard(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage (only for modes that archive) ---
	if cfg.Archives() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		blobs := s3blob.NewStore(s3Client)
		deps.BlobWriter = blobs
		deps.BlobReader = blobs
		deps.HealthChecks["s3"] = s3Client.Health

		var pruner domain.AuditPruner
		if cfg.Archive.Prune {
			pruner = deps.AuditPruner
		}
		deps.Archiver = s3blob.NewArchiver(blobs, blobs, deps.AuditStore, pruner, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, int32(cfg.Ledger.NativeDecimals), logger)

	return deps, cleanup, nil
}
