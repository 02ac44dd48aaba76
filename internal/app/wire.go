package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/condorbot/internal/blob/s3"
	"github.com/alanyoungcy/condorbot/internal/cache/redis"
	"github.com/alanyoungcy/condorbot/internal/config"
	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/notify"
	"github.com/alanyoungcy/condorbot/internal/server/handler"
	"github.com/alanyoungcy/condorbot/internal/service"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
	"github.com/alanyoungcy/condorbot/internal/store/postgres"
)

// Dependencies bundles the stores, caches, blob storage and notification
// channels every mode builds on. It is constructed by Wire and torn down by
// the returned cleanup function.
type Dependencies struct {
	// Stores
	Ledger      domain.PositionLedger
	AuditStore  domain.AuditStore
	Performance domain.PerformanceStore

	// Redis; nil when disabled.
	PriceMirror domain.PriceMirror
	SharedPrice domain.PriceSource
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Position events go to the signal bus, or nowhere without Redis.
	Events domain.EventPublisher

	// Blob storage; nil when S3 is disabled.
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks probes every connected backing service.
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

	deps := &Dependencies{
		Events:       service.NopPublisher{},
		HealthChecks: map[string]handler.HealthCheck{},
	}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "postgres":
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
			if err := pgClient.RunMigrations(ctx, logger); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Performance = postgres.NewPerformanceStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	default:
		logger.Warn("using the in-memory ledger; positions do not survive a restart")
		deps.Ledger = memory.NewLedger()
		deps.AuditStore = memory.NewAuditStore()
		deps.Performance = memory.NewPerformanceStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		prices := redis.NewPriceCache(redisClient, time.Duration(cfg.Redis.PriceTTLMinutes)*time.Minute)
		deps.PriceMirror = prices
		deps.SharedPrice = prices
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Events = service.NewBusPublisher(deps.SignalBus, logger)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
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
		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.Archiver = s3blob.NewArchiver(writer, deps.Performance, deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// spotTokens returns the spot index token of every configured underlying.
func spotTokens(cfg *config.Config) []uint32 {
	var out []uint32
	for _, name := range cfg.UnderlyingNames() {
		out = append(out, cfg.Underlyings[name].SpotToken)
	}
	return out
}

func atmBands(cfg *config.Config) map[string]float64 {
	out := make(map[string]float64, len(cfg.Underlyings))
	for name, u := range cfg.Underlyings {
		out[strings.ToUpper(name)] = u.ATMBand
	}
	return out
}
