package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

func samplePositions() map[string]domain.Position {
	opened := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	long := domain.Position{
		ID: "a1", Instrument: "BTC-USD", Side: domain.SideLong,
		Size: 0.0015, EntryPrice: 65000, CurrentPrice: 65500,
		StopLossPrice: 64025, TakeProfitPrice: 65975, TrailingActivationPrice: 65520,
		TrailingDistancePct: 0.75, Status: domain.StatusActive, OpenedAt: opened,
		PnL: 0.75, PnLPct: 0.769,
	}
	short := domain.Position{
		ID: "b2", Instrument: "ETH-USD", Side: domain.SideShort,
		Size: 0.04, EntryPrice: 2500, CurrentPrice: 2470,
		StopLossPrice: 2537.5, TakeProfitPrice: 2462.5, TrailingActivationPrice: 2480,
		TrailingDistancePct: 0.5, Status: domain.StatusTrailing, TrailingActive: true,
		TrailingStopPrice: 2482.35, OpenedAt: opened.Add(time.Minute),
		PnL: 1.2, PnLPct: 1.2,
	}
	return map[string]domain.Position{long.ID: long, short.ID: short}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore(filepath.Join(t.TempDir(), "positions.json"))
	want := samplePositions()

	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore(filepath.Join(t.TempDir(), "positions.json"))
	all := samplePositions()
	require.NoError(t, store.Save(ctx, all))

	delete(all, "a1")
	require.NoError(t, store.Save(ctx, all))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b2")

	require.NoError(t, store.Save(ctx, map[string]domain.Position{}))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	store := NewPositionStore(filepath.Join(t.TempDir(), "nope", "positions.json"))
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewPositionStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestLoadMovesUnreadableFileAside(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	doc := `{"ok":{"position_id":"ok","product_id":"BTC-USD","side":"LONG","status":"ACTIVE","size":1,"entry_price":100,"trailing_distance_pct":0.75},` +
		`"bad":{"position_id":"bad","product_id":"ETH-USD","side":"LONG","status":"OPENISH","size":1,"entry_price":1}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	store := NewPositionStore(path)
	_, err := store.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".corrupt-")

	aside, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	kept, err := os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, doc, string(kept))

	require.NoError(t, store.Save(ctx, map[string]domain.Position{}))
	kept, err = os.ReadFile(aside[0])
	require.NoError(t, err)
	assert.Equal(t, doc, string(kept))
}

func TestPersistedLayoutIsFlatAndTextual(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, NewPositionStore(path).Save(ctx, samplePositions()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	rec := doc["b2"]
	assert.Equal(t, "SHORT", rec["side"])
	assert.Equal(t, "TRAILING", rec["status"])
	assert.Equal(t, "ETH-USD", rec["product_id"])
	assert.Equal(t, true, rec["trailing_active"])
	assert.Nil(t, rec["exit_reason"])
	assert.Nil(t, rec["closed_at"])
	for _, key := range []string{"position_id", "size", "entry_price", "current_price",
		"stop_loss_price", "take_profit_price", "trailing_activation_price",
		"trailing_distance_pct", "trailing_stop_price", "opened_at", "pnl", "pnl_pct"} {
		assert.Contains(t, rec, key)
	}
}

func TestLoadRejectsUnknownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	doc := `{"x":{"position_id":"x","product_id":"BTC-USD","side":"LONG","status":"OPENISH","size":1,"entry_price":1}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := NewPositionStore(path).Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrValidation)
}
