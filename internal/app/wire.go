package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/alertbridge/internal/blob/s3"
	"github.com/alanyoungcy/alertbridge/internal/cache/redis"
	"github.com/alanyoungcy/alertbridge/internal/config"
	"github.com/alanyoungcy/alertbridge/internal/crypto"
	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/feed"
	"github.com/alanyoungcy/alertbridge/internal/notify"
	"github.com/alanyoungcy/alertbridge/internal/platform/coinbase"
	"github.com/alanyoungcy/alertbridge/internal/store/file"
	"github.com/alanyoungcy/alertbridge/internal/store/postgres"
)

// Dependencies bundles the concrete adapters the modes run on. Optional
// backends are nil when they are disabled in the configuration.
type Dependencies struct {
	// Exchange
	Coinbase *coinbase.Client
	Feed     domain.PriceFeed

	// Persistence
	PositionStore domain.PositionStore
	Journals      []domain.TradeJournal
	AuditStore    domain.AuditStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Notifications
	Notifier *notify.Notifier
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	var pgClient *postgres.Client
	if cfg.Supabase.Enabled {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "postgres migrations applied", slog.Any("files", applied))
			}
		}

		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		if cfg.Journal.Postgres {
			deps.Journals = append(deps.Journals, postgres.NewJournalStore(pgClient.Pool()))
		}
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		// Assigned here so the interfaces stay nil when Redis is disabled.
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	}

	// --- Position store ---
	switch cfg.Store.Backend {
	case "postgres":
		if pgClient == nil {
			return fail(fmt.Errorf("wire: store backend postgres: %w", domain.ErrValidation))
		}
		deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
	case "redis":
		if redisClient == nil {
			return fail(fmt.Errorf("wire: store backend redis: %w", domain.ErrValidation))
		}
		deps.PositionStore = redis.NewPositionStore(redisClient, cfg.Store.RedisKey)
	default:
		fileStore := file.NewPositionStore(cfg.Store.PositionsFile)
		logger.InfoContext(ctx, "positions persisted to file", slog.String("path", fileStore.Path()))
		deps.PositionStore = fileStore
	}

	// --- S3 journal ---
	if cfg.S3.Enabled && cfg.Journal.S3 {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 journal bucket not reachable, closed positions may not be archived",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		deps.Journals = append(deps.Journals, s3blob.NewJournal(s3blob.NewWriter(s3Client), cfg.S3.Prefix))
	}

	// --- Coinbase ---
	var auth *coinbase.JWTAuth
	if cfg.Coinbase.HasCredentials() {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:  cfg.Coinbase.APISecret,
			SealedPath: cfg.Coinbase.SealedSecretPath,
			Password:   cfg.Coinbase.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: coinbase secret: %w", err))
		}
		auth, err = coinbase.NewJWTAuth(cfg.Coinbase.APIKey, secret)
		if err != nil {
			return fail(fmt.Errorf("wire: coinbase auth: %w", err))
		}
	}
	cb, err := coinbase.NewClient(coinbase.ClientConfig{
		BaseURL: cfg.Coinbase.RESTURL,
		Auth:    auth,
		Timeout: cfg.Coinbase.Timeout.Duration,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: coinbase: %w", err))
	}
	deps.Coinbase = cb

	// --- Price feed ---
	if cfg.Feed.Source == "bus" {
		if deps.SignalBus == nil {
			return fail(fmt.Errorf("wire: bus feed without redis: %w", domain.ErrValidation))
		}
		deps.Feed = feed.NewBusFeed(deps.SignalBus, cfg.Feed.TickChannel, cfg.Trading.TickBuffer, logger)
	} else {
		ws := coinbase.NewWSClient(cfg.Coinbase.WSURL, auth, logger)
		var opts []feed.Option
		if cfg.Feed.PublishTicks && deps.SignalBus != nil {
			opts = append(opts, feed.WithTickPublisher(feed.NewTickPublisher(deps.SignalBus, cfg.Feed.TickChannel, logger)))
		}
		deps.Feed = feed.NewCoinbaseFeed(ws, cfg.Trading.TickBuffer, logger, opts...)
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

// lockTTL bounds how long a crashed process keeps other instances out.
const lockTTL = 30 * time.Second

// engineLockKey names the lock guarding one position store. Two engines on
// the same store would close the same position twice.
func engineLockKey(cfg *config.Config) string {
	switch cfg.Store.Backend {
	case "redis":
		return "engine:redis:" + cfg.Store.RedisKey
	case "postgres":
		return "engine:postgres"
	default:
		return "engine:file:" + cfg.Store.PositionsFile
	}
}
