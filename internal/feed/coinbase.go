// Package feed adapts exchange trade streams into the bounded tick channel
// consumed by the engine's monitoring loop.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/platform/coinbase"
)

// DefaultBuffer is the tick channel capacity when none is configured.
const DefaultBuffer = 256

// TradeSource is the subset of coinbase.WSClient the feed drives.
type TradeSource interface {
	Connect(ctx context.Context) error
	SetProducts(ctx context.Context, products []string) error
	OnTrade(h coinbase.TradeHandler)
	Close() error
}

// Option configures a CoinbaseFeed.
type Option func(*CoinbaseFeed)

// WithTickPublisher republishes every accepted tick on the bus so other
// processes can consume the same stream through a BusFeed.
func WithTickPublisher(p *TickPublisher) Option {
	return func(f *CoinbaseFeed) { f.publisher = p }
}

// CoinbaseFeed implements domain.PriceFeed on a market_trades connection.
// The tick channel lives as long as the feed; Disconnect only ends the
// session, so a later Subscribe resumes delivery on the same channel.
type CoinbaseFeed struct {
	source    TradeSource
	ticks     chan domain.Tick
	publisher *TickPublisher
	logger    *slog.Logger

	subMu   sync.Mutex // serialises Subscribe and Disconnect
	wantMu  sync.RWMutex
	wanted  map[string]struct{}
	dropped atomic.Uint64
}

// NewCoinbaseFeed wires the trade handler into source. buffer <= 0 uses
// DefaultBuffer.
func NewCoinbaseFeed(source TradeSource, buffer int, logger *slog.Logger, opts ...Option) *CoinbaseFeed {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	f := &CoinbaseFeed{
		source: source,
		ticks:  make(chan domain.Tick, buffer),
		logger: logger.With(slog.String("component", "price_feed")),
		wanted: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	source.OnTrade(f.handleTrade)
	return f
}

// Subscribe replaces the instrument set, connecting first when it is not
// empty.
func (f *CoinbaseFeed) Subscribe(ctx context.Context, instruments []string) error {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	wanted := make(map[string]struct{}, len(instruments))
	for _, i := range instruments {
		wanted[i] = struct{}{}
	}
	f.wantMu.Lock()
	f.wanted = wanted
	f.wantMu.Unlock()

	if len(instruments) > 0 {
		if err := f.source.Connect(ctx); err != nil {
			return fmt.Errorf("feed: connect: %w", err)
		}
	}
	if err := f.source.SetProducts(ctx, instruments); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// Ticks returns the permanent tick channel.
func (f *CoinbaseFeed) Ticks() <-chan domain.Tick { return f.ticks }

// Disconnect ends the session. Safe to call twice.
func (f *CoinbaseFeed) Disconnect() error {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.wantMu.Lock()
	f.wanted = make(map[string]struct{})
	f.wantMu.Unlock()
	if err := f.source.Close(); err != nil {
		return fmt.Errorf("feed: disconnect: %w", err)
	}
	return nil
}

// Dropped is the number of buffered ticks discarded because the channel
// was full.
func (f *CoinbaseFeed) Dropped() uint64 { return f.dropped.Load() }

// handleTrade runs on the reader goroutine and never blocks. When the
// engine falls behind the oldest buffered tick makes room for the new one.
func (f *CoinbaseFeed) handleTrade(t domain.Tick) {
	f.wantMu.RLock()
	_, ok := f.wanted[t.Instrument]
	f.wantMu.RUnlock()
	if !ok {
		return
	}

	if !offerLatest(f.ticks, t) {
		if n := f.dropped.Add(1); n%100 == 1 {
			f.logger.Warn("tick channel full, dropping oldest ticks",
				slog.String("instrument", t.Instrument),
				slog.Uint64("dropped_total", n),
			)
		}
	}

	if f.publisher != nil {
		f.publisher.Publish(t)
	}
}

// offerLatest sends t without blocking. A full channel loses its oldest
// tick instead of t, so the consumer always ends up with the latest price.
// It reports false when a tick was discarded.
func offerLatest(ch chan domain.Tick, t domain.Tick) bool {
	select {
	case ch <- t:
		return true
	default:
	}
	for {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- t:
			return false
		default:
		}
	}
}

var _ domain.PriceFeed = (*CoinbaseFeed)(nil)
