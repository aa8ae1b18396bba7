package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/engine"
)

type fixture struct {
	gw  *fakeGateway
	mgr *engine.Manager
	svc *TradingService
}

func newFixture(t *testing.T, live bool, maxPositions int) *fixture {
	t.Helper()
	gw := newFakeGateway()
	mgr := engine.New(engine.Config{LiveTrading: live, Interval: 5 * time.Millisecond},
		&memStore{}, gw, &nopFeed{ticks: make(chan domain.Tick)}, discardLogger())
	svc := NewTradingService(mgr, gw, TradingConfig{
		LiveTrading:  live,
		MaxPositions: maxPositions,
		Defaults:     DefaultAlertDefaults(),
		DedupWindow:  time.Minute,
	}, discardLogger())
	return &fixture{gw: gw, mgr: mgr, svc: svc}
}

func alertFor(t *testing.T, action, symbol string) domain.Alert {
	t.Helper()
	a, err := ParseAlert(AlertRequest{Action: action, Symbol: symbol}, DefaultAlertDefaults())
	require.NoError(t, err)
	return a
}

func TestOpenLongDerivesLevelsFromFill(t *testing.T) {
	f := newFixture(t, true, 5)
	res, err := f.svc.HandleAlert(context.Background(), alertFor(t, "long", "btc-usd"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "LONG", res.Side)
	assert.InDelta(t, 100.0, res.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0, res.Size, 1e-9)
	assert.InDelta(t, 98.5, res.StopLoss, 1e-9)
	assert.InDelta(t, 101.5, res.TakeProfit, 1e-9)
	assert.InDelta(t, 100.8, res.TrailingActivation, 1e-9)
	assert.False(t, res.PaperTrade)

	require.Len(t, f.gw.orders, 1)
	assert.Equal(t, domain.OrderSideBuy, f.gw.orders[0].Side)
	assert.Equal(t, 100.0, f.gw.orders[0].QuoteSize)
	assert.Contains(t, f.gw.orders[0].ClientOrderID, "webhook_")
	assert.Equal(t, 1, f.mgr.Count())
}

func TestOpenShortInvertsLevels(t *testing.T) {
	f := newFixture(t, true, 5)
	res, err := f.svc.HandleAlert(context.Background(), alertFor(t, "SHORT", "BTC-USD"))
	require.NoError(t, err)
	assert.InDelta(t, 101.5, res.StopLoss, 1e-9)
	assert.InDelta(t, 98.5, res.TakeProfit, 1e-9)
	assert.InDelta(t, 99.2, res.TrailingActivation, 1e-9)
	assert.Equal(t, domain.OrderSideSell, f.gw.orders[0].Side)
}

func TestEntryRejectedForHeldInstrumentWithoutGatewayCall(t *testing.T) {
	f := newFixture(t, true, 5)
	ctx := context.Background()
	_, _, err := f.svc.Open(ctx, alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err)
	require.Equal(t, 1, f.gw.orderCount())

	_, _, err = f.svc.Open(ctx, alertFor(t, "SHORT", "BTC-USD"))
	assert.ErrorIs(t, err, domain.ErrInstrumentHeld)
	assert.Equal(t, 1, f.gw.orderCount(), "no order placed for a held instrument")
	assert.Equal(t, 1, f.mgr.Count())
}

func TestEntryRejectedAtCapacity(t *testing.T) {
	f := newFixture(t, true, 1)
	ctx := context.Background()
	_, _, err := f.svc.Open(ctx, alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err)

	_, _, err = f.svc.Open(ctx, alertFor(t, "LONG", "ETH-USD"))
	assert.ErrorIs(t, err, domain.ErrCapacity)
	assert.Equal(t, 1, f.gw.orderCount())
}

func TestPaperEntrySimulatesFill(t *testing.T) {
	f := newFixture(t, false, 5)
	res, err := f.svc.HandleAlert(context.Background(), alertFor(t, "LONG", "ETH-USD"))
	require.NoError(t, err)
	assert.True(t, res.PaperTrade)
	assert.Empty(t, res.OrderID)
	assert.InDelta(t, 2000.0, res.EntryPrice, 1e-9)
	assert.Zero(t, f.gw.orderCount())
	assert.Equal(t, 1, f.mgr.Count())
}

func TestEntryOrderFailureCreatesNothing(t *testing.T) {
	f := newFixture(t, true, 5)
	f.gw.orderErr = errors.New("insufficient funds")
	_, err := f.svc.HandleAlert(context.Background(), alertFor(t, "LONG", "BTC-USD"))
	require.Error(t, err)
	assert.Zero(t, f.mgr.Count())

	f.gw.orderErr = nil
	_, err = f.svc.HandleAlert(context.Background(), alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err, "a failed attempt does not count as a duplicate")
}

func TestDuplicateAlertSuppressed(t *testing.T) {
	f := newFixture(t, false, 5)
	ctx := context.Background()
	_, err := f.svc.HandleAlert(ctx, alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err)
	_, err = f.svc.HandleAlert(ctx, alertFor(t, "LONG", "BTC-USD"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestExplicitLevels(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }
	tests := []struct {
		name    string
		req     AlertRequest
		wantErr bool
		stop    float64
		target  float64
	}{
		{"override", AlertRequest{Action: "LONG", Symbol: "BTC-USD", StopPrice: ptr(95), TargetPrice: ptr(110)}, false, 95, 110},
		{"stop above entry", AlertRequest{Action: "LONG", Symbol: "BTC-USD", StopPrice: ptr(105)}, true, 0, 0},
		{"target below entry", AlertRequest{Action: "LONG", Symbol: "BTC-USD", TargetPrice: ptr(99)}, true, 0, 0},
		{"short override", AlertRequest{Action: "SHORT", Symbol: "BTC-USD", StopPrice: ptr(104), TargetPrice: ptr(90)}, false, 104, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, 5)
			a, err := ParseAlert(tt.req, DefaultAlertDefaults())
			require.NoError(t, err)
			p, _, err := f.svc.Open(context.Background(), a)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				assert.Zero(t, f.gw.orderCount(), "rejected before any order")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.stop, p.StopLossPrice)
			assert.Equal(t, tt.target, p.TakeProfitPrice)
		})
	}
}

func TestExitBySignal(t *testing.T) {
	f := newFixture(t, true, 5)
	ctx := context.Background()
	_, err := f.svc.HandleAlert(ctx, alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err)

	res, err := f.svc.HandleAlert(ctx, alertFor(t, "EXIT_SHORT", "BTC-USD"))
	require.NoError(t, err)
	assert.False(t, res.Success, "no short to exit")
	assert.Equal(t, 1, f.mgr.Count())

	res, err = f.svc.HandleAlert(ctx, alertFor(t, "EXIT_LONG", "BTC-USD"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.PnL)
	assert.Zero(t, f.mgr.Count())
	assert.Equal(t, 1, f.gw.closes)
}

func TestCloseAllListsClosedIDs(t *testing.T) {
	f := newFixture(t, false, 5)
	ctx := context.Background()
	a, _, err := f.svc.Open(ctx, alertFor(t, "LONG", "BTC-USD"))
	require.NoError(t, err)
	b, _, err := f.svc.Open(ctx, alertFor(t, "SHORT", "ETH-USD"))
	require.NoError(t, err)

	res, err := f.svc.HandleAlert(ctx, alertFor(t, "CLOSE_ALL", ""))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, res.PositionsClosed)
	assert.Zero(t, f.mgr.Count())
}

func TestClosePositionUnknown(t *testing.T) {
	f := newFixture(t, false, 5)
	_, err := f.svc.ClosePosition(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
