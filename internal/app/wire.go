package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/stratfleet/internal/blob/s3"
	"github.com/alanyoungcy/stratfleet/internal/cache/redis"
	"github.com/alanyoungcy/stratfleet/internal/config"
	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/notify"
	"github.com/alanyoungcy/stratfleet/internal/platform/engine"
	"github.com/alanyoungcy/stratfleet/internal/statesync"
	"github.com/alanyoungcy/stratfleet/internal/store/postgres"
)

// Dependencies bundles the infrastructure the components run on. Optional
// backends that are disabled leave their fields nil.
type Dependencies struct {
	Engine  domain.ExecutionEngine
	Managed domain.ManagedExecutor
	Direct  domain.DirectExecutor

	// Postgres
	ArbStore   domain.ArbStore
	AuditStore domain.AuditStore
	GroupStore domain.GroupStore

	// Redis. StateCache falls back to memory without Redis.
	StateCache  domain.StateCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// S3
	Archiver domain.ReportArchiver

	Notifier *notify.Notifier
}

// Wire builds the dependencies from cfg and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	signer := engine.Signer{Key: cfg.Engine.APIKey, Secret: cfg.Engine.APISecret}
	client := engine.NewClient(cfg.Engine.BaseURL, signer, cfg.Engine.Timeout.Duration)
	deps := &Dependencies{
		Engine:     client,
		Managed:    engine.NewManaged(client),
		StateCache: statesync.NewMemoryCache(),
	}
	if cfg.Engine.DirectURL != "" {
		deps.Direct = engine.NewDirect(cfg.Engine.DirectURL, signer, cfg.Engine.Timeout.Duration)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
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
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		pool := pg.Pool()
		deps.ArbStore = postgres.NewArbStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.GroupStore = postgres.NewGroupStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.StateCache = redis.NewStateCache(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		if cfg.Sync.DistributedLock {
			deps.LockManager = redis.NewLockManager(rc)
		}
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := sc.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, reports may not archive",
				slog.String("bucket", sc.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		if cfg.Consistency.ArchiveReports {
			deps.Archiver = s3blob.NewReportArchiver(s3blob.NewWriter(sc), "reports", deps.AuditStore)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
