package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/config"
	"github.com/alanyoungcy/alertbridge/internal/feed"
	"github.com/alanyoungcy/alertbridge/internal/store/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireDefaultsNeedNoBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.PositionsFile = filepath.Join(t.TempDir(), "positions.json")

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &file.PositionStore{}, deps.PositionStore)
	assert.IsType(t, &feed.CoinbaseFeed{}, deps.Feed)
	assert.NotNil(t, deps.Coinbase)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.AuditStore)
	assert.Empty(t, deps.Journals)
	assert.False(t, deps.Notifier.Enabled())
}

func TestWireRejectsBadCoinbaseSecret(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.PositionsFile = filepath.Join(t.TempDir(), "positions.json")
	cfg.Coinbase.APIKey = "organizations/o/apiKeys/k"
	cfg.Coinbase.APISecret = "not a pem block"

	_, _, err := Wire(context.Background(), &cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: coinbase auth")
}

func TestWireUnreadableSealedSecret(t *testing.T) {
	cfg := config.Defaults()
	cfg.Coinbase.APIKey = "organizations/o/apiKeys/k"
	cfg.Coinbase.SealedSecretPath = filepath.Join(t.TempDir(), "missing.sealed")
	cfg.Coinbase.SecretPassword = "pw"

	_, _, err := Wire(context.Background(), &cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: coinbase secret")
}

func TestEngineLockKey(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, "engine:file:positions.json", engineLockKey(&cfg))
	cfg.Store.Backend = "redis"
	assert.Equal(t, "engine:redis:positions", engineLockKey(&cfg))
	cfg.Store.Backend = "postgres"
	assert.Equal(t, "engine:postgres", engineLockKey(&cfg))
}

func TestHubChannels(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, testLogger(), "test")
	assert.Equal(t, []string{"positions"}, a.hubChannels())

	cfg.Feed.PublishTicks = true
	assert.Equal(t, []string{"positions", "ticks"}, a.hubChannels())
}

func TestRunMonitorModeStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "monitor"
	cfg.Server.Enabled = false
	cfg.Store.PositionsFile = filepath.Join(t.TempDir(), "positions.json")

	a := New(&cfg, testLogger(), "test")
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))
}
