// Package config defines the alertbridge configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by environment variables.
type Config struct {
	Coinbase    CoinbaseConfig `toml:"coinbase"`
	Trading     TradingConfig  `toml:"trading"`
	Store       StoreConfig    `toml:"store"`
	Supabase    SupabaseConfig `toml:"supabase"`
	Redis       RedisConfig    `toml:"redis"`
	S3          S3Config       `toml:"s3"`
	Journal     JournalConfig  `toml:"journal"`
	Feed        FeedConfig     `toml:"feed"`
	Server      ServerConfig   `toml:"server"`
	Notify      NotifyConfig   `toml:"notify"`
	Mode        string         `toml:"mode"`
	LogLevel    string         `toml:"log_level"`
	Environment string         `toml:"environment"`
}

// CoinbaseConfig holds Advanced Trade API credentials and endpoints. The
// secret is either given inline or read from a file sealed with cmd/sealkey.
type CoinbaseConfig struct {
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	SealedSecretPath string   `toml:"sealed_secret_path"`
	SecretPassword   string   `toml:"secret_password"`
	RESTURL          string   `toml:"rest_url"`
	WSURL            string   `toml:"ws_url"`
	Timeout          duration `toml:"timeout"`
}

// HasCredentials reports whether an API key and a secret source are set.
func (c CoinbaseConfig) HasCredentials() bool {
	return c.APIKey != "" && (c.APISecret != "" || c.SealedSecretPath != "")
}

// TradingConfig holds execution limits, alert defaults and the monitoring
// cadence.
type TradingConfig struct {
	EnableTrading         bool     `toml:"enable_trading"`
	MaxPositions          int      `toml:"max_positions"`
	MaxLeverage           float64  `toml:"max_leverage"`
	StopLossPct           float64  `toml:"stop_loss_pct"`
	TakeProfitPct         float64  `toml:"take_profit_pct"`
	TrailingActivationPct float64  `toml:"trailing_activation_pct"`
	TrailingDistancePct   float64  `toml:"trailing_distance_pct"`
	PositionSizeUSD       float64  `toml:"position_size_usd"`
	MonitorInterval       duration `toml:"monitor_interval"`
	ErrorBackoff          duration `toml:"error_backoff"`
	DedupWindow           duration `toml:"dedup_window"`
	TickBuffer            int      `toml:"tick_buffer"`
}

// StoreConfig selects where the open-position snapshot lives.
type StoreConfig struct {
	Backend       string `toml:"backend"` // file | postgres | redis
	PositionsFile string `toml:"positions_file"`
	RedisKey      string `toml:"redis_key"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// JournalConfig picks the archives that receive closed positions.
type JournalConfig struct {
	Postgres bool `toml:"postgres"`
	S3       bool `toml:"s3"`
}

// FeedConfig selects the tick source. "coinbase" reads the exchange
// directly; "bus" consumes ticks another instance publishes on redis.
type FeedConfig struct {
	Source       string `toml:"source"`
	PublishTicks bool   `toml:"publish_ticks"`
	TickChannel  string `toml:"tick_channel"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	APIKey             string   `toml:"api_key"`
	WebhookSecret      string   `toml:"webhook_secret"`
	CORSOrigins        []string `toml:"cors_origins"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	ShutdownTimeout    duration `toml:"shutdown_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the stock values. They match
// config.example.toml.
func Defaults() Config {
	return Config{
		Coinbase: CoinbaseConfig{
			RESTURL: "https://api.coinbase.com",
			WSURL:   "wss://advanced-trade-ws.coinbase.com",
			Timeout: duration{10 * time.Second},
		},
		Trading: TradingConfig{
			EnableTrading:         false,
			MaxPositions:          5,
			MaxLeverage:           3,
			StopLossPct:           1.5,
			TakeProfitPct:         1.5,
			TrailingActivationPct: 0.8,
			TrailingDistancePct:   0.75,
			PositionSizeUSD:       100,
			MonitorInterval:       duration{500 * time.Millisecond},
			ErrorBackoff:          duration{time.Second},
			DedupWindow:           duration{10 * time.Second},
			TickBuffer:            256,
		},
		Store: StoreConfig{
			Backend:       "file",
			PositionsFile: "positions.json",
			RedisKey:      "positions",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "alertbridge",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "alertbridge-journal",
			UseSSL:         true,
			ForcePathStyle: false,
			Prefix:         "journal",
		},
		Feed: FeedConfig{
			Source:      "coinbase",
			TickChannel: "ticks",
		},
		Server: ServerConfig{
			Enabled:            true,
			Host:               "0.0.0.0",
			Port:               8000,
			RateLimitPerMinute: 60,
			ShutdownTimeout:    duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "close_failed"},
		},
		Mode:        "serve",
		LogLevel:    "info",
		Environment: "development",
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"file":     true,
	"postgres": true,
	"redis":    true,
}

var validFeedSources = map[string]bool{
	"coinbase": true,
	"bus":      true,
}

// Limits shared with alert parsing.
const (
	maxLeverageCeiling = 10.0
	minStopLossPct     = 0.1
	maxStopLossPct     = 10.0
	minTakeProfitPct   = 0.1
	maxTakeProfitPct   = 20.0
	maxActivationPct   = 10.0
	minDistancePct     = 0.1
	maxDistancePct     = 5.0
)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor)", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Coinbase: credentials are only needed when orders are sent or the
	// exchange feed is read.
	if c.Trading.EnableTrading && !c.Coinbase.HasCredentials() {
		errs = append(errs, "coinbase: api_key and api_secret (or sealed_secret_path) are required when enable_trading is true")
	}
	if c.Coinbase.SealedSecretPath != "" && c.Coinbase.APISecret == "" && c.Coinbase.SecretPassword == "" {
		errs = append(errs, "coinbase: secret_password is required when sealed_secret_path is set")
	}
	if c.Coinbase.RESTURL == "" {
		errs = append(errs, "coinbase: rest_url must not be empty")
	}
	if c.Feed.Source == "coinbase" && c.Coinbase.WSURL == "" {
		errs = append(errs, "coinbase: ws_url must not be empty")
	}

	// Trading
	t := c.Trading
	if t.MaxPositions < 1 {
		errs = append(errs, "trading: max_positions must be at least 1")
	}
	if t.MaxLeverage < 1 || t.MaxLeverage > maxLeverageCeiling {
		errs = append(errs, fmt.Sprintf("trading: max_leverage must be between 1 and %g, got %g", maxLeverageCeiling, t.MaxLeverage))
	}
	errs = appendRange(errs, "trading: stop_loss_pct", t.StopLossPct, minStopLossPct, maxStopLossPct)
	errs = appendRange(errs, "trading: take_profit_pct", t.TakeProfitPct, minTakeProfitPct, maxTakeProfitPct)
	errs = appendRange(errs, "trading: trailing_activation_pct", t.TrailingActivationPct, 0, maxActivationPct)
	errs = appendRange(errs, "trading: trailing_distance_pct", t.TrailingDistancePct, minDistancePct, maxDistancePct)
	if t.PositionSizeUSD <= 0 {
		errs = append(errs, "trading: position_size_usd must be > 0")
	}
	if t.MonitorInterval.Duration <= 0 {
		errs = append(errs, "trading: monitor_interval must be > 0")
	}
	if t.ErrorBackoff.Duration <= 0 {
		errs = append(errs, "trading: error_backoff must be > 0")
	}
	if t.DedupWindow.Duration < 0 {
		errs = append(errs, "trading: dedup_window must not be negative")
	}
	if t.TickBuffer < 1 {
		errs = append(errs, "trading: tick_buffer must be >= 1")
	}

	// Store
	switch {
	case !validBackends[c.Store.Backend]:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: file, postgres, redis)", c.Store.Backend))
	case c.Store.Backend == "file" && c.Store.PositionsFile == "":
		errs = append(errs, "store: positions_file must not be empty for the file backend")
	case c.Store.Backend == "postgres" && !c.Supabase.Enabled:
		errs = append(errs, "store: backend postgres requires supabase.enabled")
	case c.Store.Backend == "redis" && !c.Redis.Enabled:
		errs = append(errs, "store: backend redis requires redis.enabled")
	}

	// Journal
	if c.Journal.Postgres && !c.Supabase.Enabled {
		errs = append(errs, "journal: postgres requires supabase.enabled")
	}
	if c.Journal.S3 && !c.S3.Enabled {
		errs = append(errs, "journal: s3 requires s3.enabled")
	}

	// Feed
	if !validFeedSources[c.Feed.Source] {
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: coinbase, bus)", c.Feed.Source))
	}
	if (c.Feed.Source == "bus" || c.Feed.PublishTicks) && !c.Redis.Enabled {
		errs = append(errs, "feed: the bus source and publish_ticks require redis.enabled")
	}
	if c.Feed.Source == "bus" && c.Feed.PublishTicks {
		errs = append(errs, "feed: publish_ticks cannot be combined with the bus source")
	}
	if c.Feed.TickChannel == "" && (c.Feed.Source == "bus" || c.Feed.PublishTicks) {
		errs = append(errs, "feed: tick_channel must not be empty")
	}

	// Supabase
	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must not be negative")
		}
	} else if c.Mode == "serve" {
		errs = append(errs, "server: mode serve requires server.enabled")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Warnings lists settings that are valid but risky. The app logs them at
// startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.Server.Enabled && c.Server.WebhookSecret == "" {
		out = append(out, "server.webhook_secret is empty: the webhook accepts unauthenticated alerts")
	}
	if c.Server.Enabled && c.Server.APIKey == "" {
		out = append(out, "server.api_key is empty: /api routes and manual close are unauthenticated")
	}
	if c.Trading.EnableTrading && c.Environment != "production" {
		out = append(out, fmt.Sprintf("live trading enabled in environment %q", c.Environment))
	}
	if !c.Trading.EnableTrading {
		out = append(out, "paper mode: no order reaches the exchange")
	}
	return out
}

func appendRange(errs []string, name string, v, lo, hi float64) []string {
	if v < lo || v > hi {
		errs = append(errs, fmt.Sprintf("%s must be within [%g, %g], got %g", name, lo, hi, v))
	}
	return errs
}
