package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

type harness struct {
	mgr     *Manager
	gateway *fakeGateway
	feed    *fakeFeed
	store   *memStore
	journal *recordingJournal
	sink    *recordingSink
}

func newHarness(t *testing.T, live bool) *harness {
	t.Helper()
	h := &harness{
		gateway: &fakeGateway{},
		feed:    newFakeFeed(),
		store:   &memStore{},
		journal: &recordingJournal{},
		sink:    &recordingSink{},
	}
	h.mgr = New(Config{LiveTrading: live, Interval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond},
		h.store, h.gateway, h.feed, discardLogger(),
		WithJournal(h.journal), WithEvents(h.sink))
	return h
}

func (h *harness) pass(ctx context.Context) {
	h.mgr.runPass(ctx, make(chan struct{}))
}

func (h *harness) tick(instrument string, price float64) {
	h.mgr.OnPriceUpdate(domain.Tick{Instrument: instrument, Price: price, Time: time.Now()})
}

func TestScenarioTrailingThenTakeProfit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("a", "BTC-USD", 100)))

	h.tick("BTC-USD", 100.9)
	h.pass(ctx)
	p, err := h.mgr.Position("a")
	require.NoError(t, err)
	assert.True(t, p.TrailingActive)
	assert.Equal(t, domain.StatusTrailing, p.Status)
	assert.InDelta(t, 100.9*(1-0.0075), p.TrailingStopPrice, 1e-9)
	assert.Equal(t, 0, h.gateway.closeCount())

	h.tick("BTC-USD", 101.5)
	h.pass(ctx)
	_, err = h.mgr.Position("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, h.journal.closed, 1)
	closed := h.journal.closed[0]
	assert.Equal(t, domain.ExitTakeProfit, closed.ExitReason)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.InDelta(t, 101.5*(1-0.0075), closed.TrailingStopPrice, 1e-9)
	assert.NotNil(t, closed.ClosedAt)
	assert.Equal(t, 1, h.gateway.closeCount())
	assert.Empty(t, h.store.snapshot())
}

func TestScenarioStopLossBeforeTrailing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("b", "BTC-USD", 100)))

	h.tick("BTC-USD", 98.5)
	h.pass(ctx)

	require.Len(t, h.journal.closed, 1)
	assert.Equal(t, domain.ExitStopLoss, h.journal.closed[0].ExitReason)
	assert.False(t, h.journal.closed[0].TrailingActive)
	assert.Less(t, h.journal.closed[0].PnL, 0.0)
}

func TestExitPriority(t *testing.T) {
	tests := []struct {
		name string
		mut  func(p *domain.Position)
		want domain.ExitReason
	}{
		{
			name: "stop loss beats take profit",
			mut: func(p *domain.Position) {
				p.StopLossPrice, p.TakeProfitPrice = 101, 99
				p.CurrentPrice = 100
			},
			want: domain.ExitStopLoss,
		},
		{
			name: "stop loss beats trailing stop",
			mut: func(p *domain.Position) {
				p.TrailingActive, p.TrailingStopPrice = true, 100.5
				p.CurrentPrice = 98
			},
			want: domain.ExitStopLoss,
		},
		{
			name: "trailing stop beats take profit",
			mut: func(p *domain.Position) {
				p.TrailingActive, p.TrailingStopPrice = true, 103
				p.CurrentPrice = 102
			},
			want: domain.ExitTrailingStop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := longPosition("x", "BTC-USD", 100)
			tt.mut(&p)
			got, hit := exitDecision(&p)
			require.True(t, hit)
			assert.Equal(t, tt.want, got)
		})
	}

	p := longPosition("x", "BTC-USD", 100)
	_, hit := exitDecision(&p)
	assert.False(t, hit)
}

func TestPaperModeClosesWithoutGateway(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("d", "ETH-USD", 2000)))

	h.tick("ETH-USD", 1900)
	h.pass(ctx)

	assert.Equal(t, 0, h.gateway.closeCount())
	assert.Equal(t, 0, h.mgr.Count())
	require.Len(t, h.journal.closed, 1)
	closed := h.journal.closed[0]
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitStopLoss, closed.ExitReason)
	assert.InDelta(t, (1900-2000)*(100.0/2000), closed.PnL, 1e-9)
}

func TestGatewayFailureRetainsPositionForRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("r", "BTC-USD", 100)))
	h.gateway.setCloseErr(errors.New("exchange unavailable"))

	h.tick("BTC-USD", 97)
	h.pass(ctx)
	assert.Equal(t, 1, h.mgr.Count())
	assert.Equal(t, 1, h.gateway.closeCount())
	p, err := h.mgr.Position("r")
	require.NoError(t, err)
	assert.True(t, p.IsOpen())
	assert.Empty(t, p.ExitReason)

	h.gateway.setCloseErr(nil)
	h.pass(ctx)
	assert.Equal(t, 0, h.mgr.Count())
	assert.Equal(t, 2, h.gateway.closeCount())
	assert.Contains(t, h.sink.events, domain.EventCloseFailed)
	assert.Contains(t, h.sink.events, domain.EventClosed)
}

func TestManualCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("m", "BTC-USD", 100)))
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("n", "ETH-USD", 100)))

	ok, err := h.mgr.ClosePositionManual(ctx, "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.mgr.Count())

	ok, err = h.mgr.ClosePositionManual(ctx, "m")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.mgr.Count())
	assert.Equal(t, 1, h.gateway.closeCount())
	assert.Equal(t, domain.ExitManual, h.journal.closed[0].ExitReason)
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, h.mgr.AddPosition(ctx, longPosition(id, "I-"+id, 50)))
	}

	closed, err := h.mgr.CloseAll(ctx)
	require.NoError(t, err)
	assert.Len(t, closed, 3)
	assert.Equal(t, 0, h.mgr.Count())
	for _, p := range closed {
		assert.Equal(t, domain.ExitManual, p.ExitReason)
	}
}

func TestCloseAllReportsFailuresAndKeepsGoing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("1", "A-USD", 50)))
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("2", "B-USD", 50)))
	h.gateway.setCloseErr(errors.New("rejected"))

	closed, err := h.mgr.CloseAll(ctx)
	assert.Error(t, err)
	assert.Empty(t, closed)
	assert.Equal(t, 2, h.gateway.closeCount())
	assert.Equal(t, 2, h.mgr.Count())
}

func TestAddPositionRejectsDuplicatesAndRetiredIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	p := longPosition("dup", "BTC-USD", 100)
	require.NoError(t, h.mgr.AddPosition(ctx, p))
	assert.ErrorIs(t, h.mgr.AddPosition(ctx, p), domain.ErrAlreadyExists)

	_, err := h.mgr.ClosePosition(ctx, "dup", domain.ExitManual)
	require.NoError(t, err)
	assert.ErrorIs(t, h.mgr.AddPosition(ctx, p), domain.ErrAlreadyExists)

	bad := longPosition("bad", "BTC-USD", 100)
	bad.Size = 0
	assert.ErrorIs(t, h.mgr.AddPosition(ctx, bad), domain.ErrValidation)
}

func TestRemovePosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("rm", "BTC-USD", 100)))

	p, err := h.mgr.RemovePosition(ctx, "rm")
	require.NoError(t, err)
	assert.Equal(t, "rm", p.ID)
	assert.Empty(t, h.store.snapshot())
	assert.Equal(t, 0, h.gateway.closeCount())

	_, err = h.mgr.RemovePosition(ctx, "rm")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOnPriceUpdateOnlyTouchesMatchingInstrument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("btc", "BTC-USD", 100)))
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("eth", "ETH-USD", 100)))

	h.tick("BTC-USD", 90)
	btc, _ := h.mgr.Position("btc")
	eth, _ := h.mgr.Position("eth")
	assert.Equal(t, 90.0, btc.CurrentPrice)
	assert.Equal(t, 100.0, eth.CurrentPrice)
	assert.Equal(t, 2, h.mgr.Count(), "ticks never evaluate triggers")
	assert.Zero(t, btc.PnL)
}

func TestActiveInstrumentsDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("1", "ETH-USD", 100)))
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("2", "BTC-USD", 100)))
	short := longPosition("3", "ETH-USD", 100)
	short.Side = domain.SideShort
	short.StopLossPrice, short.TakeProfitPrice, short.TrailingActivationPrice = 101.5, 98.5, 99.2
	require.NoError(t, h.mgr.AddPosition(ctx, short))

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, h.mgr.ActiveInstruments())
	got, ok := h.mgr.FindOpen("ETH-USD", domain.SideShort)
	require.True(t, ok)
	assert.Equal(t, "3", got.ID)
	_, ok = h.mgr.FindOpen("BTC-USD", domain.SideShort)
	assert.False(t, ok)
}

func TestTrailingPersistsOnlyWhenMoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("t", "BTC-USD", 100)))
	saves := func() int {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.saves
	}
	base := saves()

	h.tick("BTC-USD", 101)
	h.pass(ctx)
	assert.Equal(t, base+1, saves(), "arming persists")

	h.tick("BTC-USD", 100.9)
	h.pass(ctx)
	assert.Equal(t, base+1, saves(), "unmoved stop is not persisted")

	h.tick("BTC-USD", 101.2)
	h.pass(ctx)
	assert.Equal(t, base+2, saves())
	assert.InDelta(t, 101.2*(1-0.0075), h.store.snapshot()["t"].TrailingStopPrice, 1e-9)
}

func TestLoadRestoresOpenPositions(t *testing.T) {
	ctx := context.Background()
	closedAt := time.Now()
	closed := longPosition("old", "SOL-USD", 20)
	closed.Status = domain.StatusClosed
	closed.ClosedAt = &closedAt
	closed.ExitReason = domain.ExitManual

	h := newHarness(t, true)
	h.store.data = map[string]domain.Position{
		"keep": longPosition("keep", "BTC-USD", 100),
		"old":  closed,
	}
	assert.Equal(t, 1, h.mgr.Load(ctx))
	_, err := h.mgr.Position("keep")
	assert.NoError(t, err)
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	h := newHarness(t, true)
	h.store.loadErr = errors.New("corrupt file")
	assert.Equal(t, 0, h.mgr.Load(context.Background()))
	assert.Empty(t, h.mgr.Positions())
}

func TestSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.store.saveErr = errors.New("disk full")
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("s", "BTC-USD", 100)))
	assert.Equal(t, 1, h.mgr.Count())
}

func TestMonitoringLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("live", "BTC-USD", 100)))

	h.mgr.StartMonitoring(ctx)
	h.mgr.StartMonitoring(ctx)
	assert.True(t, h.mgr.Monitoring())
	h.feed.mu.Lock()
	assert.Len(t, h.feed.subscribed, 1)
	assert.Equal(t, []string{"BTC-USD"}, h.feed.subscribed[0])
	h.feed.mu.Unlock()

	h.feed.ticks <- domain.Tick{Instrument: "BTC-USD", Price: 98}
	require.Eventually(t, func() bool { return h.mgr.Count() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mgr.StopMonitoring())
	require.NoError(t, h.mgr.StopMonitoring())
	assert.False(t, h.mgr.Monitoring())
	assert.Equal(t, 1, h.feed.disconnectCount())
}

func TestNoExitAfterStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.mgr.StartMonitoring(ctx)
	require.NoError(t, h.mgr.StopMonitoring())

	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("late", "BTC-USD", 100)))
	h.tick("BTC-USD", 50)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.gateway.closeCount())
	assert.Equal(t, 1, h.mgr.Count())
}

func TestStartMonitoringSurvivesFeedFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.feed.subscribeErr = errors.New("dial failed")
	require.NoError(t, h.mgr.AddPosition(ctx, longPosition("f", "BTC-USD", 100)))

	h.mgr.StartMonitoring(ctx)
	defer func() { _ = h.mgr.StopMonitoring() }()
	assert.True(t, h.mgr.Monitoring())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.mgr.Run(ctx) }()

	require.Eventually(t, h.mgr.Monitoring, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, h.mgr.Monitoring())
}

func TestLoopExitOnContextAllowsRestart(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	h.mgr.StartMonitoring(ctx)
	require.True(t, h.mgr.Monitoring())

	cancel()
	require.Eventually(t, func() bool { return !h.mgr.Monitoring() }, time.Second, time.Millisecond)

	h.mgr.StartMonitoring(context.Background())
	assert.True(t, h.mgr.Monitoring())
	require.NoError(t, h.mgr.StopMonitoring())
	assert.False(t, h.mgr.Monitoring())
}

func TestManualCloseRacingMonitorClosesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	for i := 0; i < 4; i++ {
		p := longPosition(fmt.Sprintf("race-%d", i), fmt.Sprintf("C%d-USD", i), 100)
		p.CurrentPrice = 98
		require.NoError(t, h.mgr.AddPosition(ctx, p))
	}

	h.mgr.StartMonitoring(ctx)
	defer func() { _ = h.mgr.StopMonitoring() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.mgr.ClosePositionManual(ctx, id)
			assert.NoError(t, err)
		}(fmt.Sprintf("race-%d", i%4))
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.mgr.StopMonitoring())
	assert.Equal(t, 4, h.gateway.closeCount())

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	assert.Len(t, h.journal.closed, 4)
}
