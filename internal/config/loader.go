package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALERTBRIDGE_"

// Load merges, in order: the built-in defaults, the TOML file at path (a
// missing file or an empty path is skipped), a .env file in the working
// directory, the legacy variable names and finally ALERTBRIDGE_* variables.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, 0, len(undecoded))
				for _, k := range undecoded {
					keys = append(keys, k.String())
				}
				sort.Strings(keys)
				return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	normalise(&cfg)

	return &cfg, nil
}

// applyLegacyEnv honours the variable names of existing deployments.
func applyLegacyEnv(cfg *Config) {
	setStr(&cfg.Coinbase.APIKey, "COINBASE_API_KEY")
	setStr(&cfg.Coinbase.APISecret, "COINBASE_API_SECRET")
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Host, "HOST")
	setStr(&cfg.Server.WebhookSecret, "WEBHOOK_SECRET")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Environment, "ENVIRONMENT")
	setBool(&cfg.Trading.EnableTrading, "ENABLE_TRADING")
	setStr(&cfg.Store.PositionsFile, "POSITIONS_FILE")
	setInt(&cfg.Trading.MaxPositions, "MAX_CONCURRENT_POSITIONS")
	setFloat64(&cfg.Trading.MaxLeverage, "MAX_LEVERAGE")
	setFloat64(&cfg.Trading.StopLossPct, "DEFAULT_STOP_LOSS_PCT")
	setFloat64(&cfg.Trading.TakeProfitPct, "DEFAULT_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.TrailingActivationPct, "DEFAULT_TRAILING_ACTIVATION_PCT")
	setFloat64(&cfg.Trading.TrailingDistancePct, "DEFAULT_TRAILING_DISTANCE_PCT")
	setFloat64(&cfg.Trading.PositionSizeUSD, "DEFAULT_POSITION_SIZE_USD")
}

// applyEnvOverrides reads ALERTBRIDGE_* variables and overwrites the
// corresponding fields when a variable is set (i.e. not empty). This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Coinbase ──
	setStr(&cfg.Coinbase.APIKey, "ALERTBRIDGE_COINBASE_API_KEY")
	setStr(&cfg.Coinbase.APISecret, "ALERTBRIDGE_COINBASE_API_SECRET")
	setStr(&cfg.Coinbase.SealedSecretPath, "ALERTBRIDGE_COINBASE_SEALED_SECRET_PATH")
	setStr(&cfg.Coinbase.SecretPassword, "ALERTBRIDGE_SECRET_PASSWORD")
	setStr(&cfg.Coinbase.RESTURL, "ALERTBRIDGE_COINBASE_REST_URL")
	setStr(&cfg.Coinbase.WSURL, "ALERTBRIDGE_COINBASE_WS_URL")
	setDuration(&cfg.Coinbase.Timeout, "ALERTBRIDGE_COINBASE_TIMEOUT")

	// ── Trading ──
	setBool(&cfg.Trading.EnableTrading, "ALERTBRIDGE_TRADING_ENABLE_TRADING")
	setInt(&cfg.Trading.MaxPositions, "ALERTBRIDGE_TRADING_MAX_POSITIONS")
	setFloat64(&cfg.Trading.MaxLeverage, "ALERTBRIDGE_TRADING_MAX_LEVERAGE")
	setFloat64(&cfg.Trading.StopLossPct, "ALERTBRIDGE_TRADING_STOP_LOSS_PCT")
	setFloat64(&cfg.Trading.TakeProfitPct, "ALERTBRIDGE_TRADING_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.TrailingActivationPct, "ALERTBRIDGE_TRADING_TRAILING_ACTIVATION_PCT")
	setFloat64(&cfg.Trading.TrailingDistancePct, "ALERTBRIDGE_TRADING_TRAILING_DISTANCE_PCT")
	setFloat64(&cfg.Trading.PositionSizeUSD, "ALERTBRIDGE_TRADING_POSITION_SIZE_USD")
	setDuration(&cfg.Trading.MonitorInterval, "ALERTBRIDGE_TRADING_MONITOR_INTERVAL")
	setDuration(&cfg.Trading.ErrorBackoff, "ALERTBRIDGE_TRADING_ERROR_BACKOFF")
	setDuration(&cfg.Trading.DedupWindow, "ALERTBRIDGE_TRADING_DEDUP_WINDOW")
	setInt(&cfg.Trading.TickBuffer, "ALERTBRIDGE_TRADING_TICK_BUFFER")

	// ── Store ──
	setStr(&cfg.Store.Backend, "ALERTBRIDGE_STORE_BACKEND")
	setStr(&cfg.Store.PositionsFile, "ALERTBRIDGE_STORE_POSITIONS_FILE")
	setStr(&cfg.Store.RedisKey, "ALERTBRIDGE_STORE_REDIS_KEY")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "ALERTBRIDGE_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "ALERTBRIDGE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // common platform name
	setStr(&cfg.Supabase.Host, "ALERTBRIDGE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "ALERTBRIDGE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "ALERTBRIDGE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "ALERTBRIDGE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "ALERTBRIDGE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "ALERTBRIDGE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "ALERTBRIDGE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "ALERTBRIDGE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "ALERTBRIDGE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ALERTBRIDGE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ALERTBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALERTBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALERTBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALERTBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ALERTBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ALERTBRIDGE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ALERTBRIDGE_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "ALERTBRIDGE_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALERTBRIDGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALERTBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALERTBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALERTBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALERTBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALERTBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ALERTBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ALERTBRIDGE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "ALERTBRIDGE_S3_PREFIX")

	// ── Journal ──
	setBool(&cfg.Journal.Postgres, "ALERTBRIDGE_JOURNAL_POSTGRES")
	setBool(&cfg.Journal.S3, "ALERTBRIDGE_JOURNAL_S3")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "ALERTBRIDGE_FEED_SOURCE")
	setBool(&cfg.Feed.PublishTicks, "ALERTBRIDGE_FEED_PUBLISH_TICKS")
	setStr(&cfg.Feed.TickChannel, "ALERTBRIDGE_FEED_TICK_CHANNEL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALERTBRIDGE_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "ALERTBRIDGE_SERVER_HOST")
	setInt(&cfg.Server.Port, "ALERTBRIDGE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ALERTBRIDGE_SERVER_API_KEY")
	setStr(&cfg.Server.WebhookSecret, "ALERTBRIDGE_SERVER_WEBHOOK_SECRET")
	setStringSlice(&cfg.Server.CORSOrigins, "ALERTBRIDGE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "ALERTBRIDGE_SERVER_RATE_LIMIT_PER_MINUTE")
	setDuration(&cfg.Server.ShutdownTimeout, "ALERTBRIDGE_SERVER_SHUTDOWN_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALERTBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALERTBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALERTBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALERTBRIDGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ALERTBRIDGE_MODE")
	setStr(&cfg.LogLevel, "ALERTBRIDGE_LOG_LEVEL")
	setStr(&cfg.Environment, "ALERTBRIDGE_ENVIRONMENT")
}

// normalise lower-cases the enumerated settings; existing deployments
// write LOG_LEVEL=INFO.
func normalise(cfg *Config) {
	for _, s := range []*string{&cfg.Mode, &cfg.LogLevel, &cfg.Environment, &cfg.Store.Backend, &cfg.Feed.Source} {
		*s = strings.ToLower(strings.TrimSpace(*s))
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
