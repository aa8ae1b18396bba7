package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// DefaultTickChannel is the bus channel ticks are republished on.
const DefaultTickChannel = "ticks"

// tickEvent is the JSON shape published on the tick channel.
type tickEvent struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Side       string  `json:"side"`
	Time       string  `json:"time"`
	TradeID    string  `json:"trade_id"`
}

func encodeTick(t domain.Tick) ([]byte, error) {
	return json.Marshal(tickEvent{
		Instrument: t.Instrument,
		Price:      t.Price,
		Size:       t.Size,
		Side:       string(t.Side),
		Time:       t.Time.UTC().Format(time.RFC3339Nano),
		TradeID:    t.TradeID,
	})
}

func decodeTick(data []byte) (domain.Tick, error) {
	var ev tickEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Tick{}, err
	}
	if ev.Instrument == "" || ev.Price <= 0 {
		return domain.Tick{}, fmt.Errorf("tick missing instrument or price")
	}
	ts, err := time.Parse(time.RFC3339Nano, ev.Time)
	if err != nil {
		ts = time.Now().UTC()
	}
	return domain.Tick{
		Instrument: ev.Instrument,
		Price:      ev.Price,
		Size:       ev.Size,
		Side:       domain.OrderSide(ev.Side),
		Time:       ts,
		TradeID:    ev.TradeID,
	}, nil
}

// TickPublisher republishes ticks on a SignalBus channel.
type TickPublisher struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
	failed  atomic.Uint64
}

// NewTickPublisher creates a publisher; an empty channel uses
// DefaultTickChannel.
func NewTickPublisher(bus domain.SignalBus, channel string, logger *slog.Logger) *TickPublisher {
	if channel == "" {
		channel = DefaultTickChannel
	}
	return &TickPublisher{
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "tick_publisher")),
	}
}

// Publish sends one tick. Failures are counted and logged sparsely.
func (p *TickPublisher) Publish(t domain.Tick) {
	data, err := encodeTick(t)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, p.channel, data); err != nil {
		if n := p.failed.Add(1); n%100 == 1 {
			p.logger.Warn("tick publish failed",
				slog.Uint64("failed_total", n),
				slog.String("error", err.Error()),
			)
		}
	}
}

// BusFeed implements domain.PriceFeed by consuming ticks another process
// publishes on the bus. It lets a monitor-only replica share one exchange
// connection.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	ticks   chan domain.Tick
	logger  *slog.Logger

	mu      sync.Mutex
	wanted  map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Uint64
}

// NewBusFeed creates a BusFeed. buffer <= 0 uses DefaultBuffer.
func NewBusFeed(bus domain.SignalBus, channel string, buffer int, logger *slog.Logger) *BusFeed {
	if channel == "" {
		channel = DefaultTickChannel
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &BusFeed{
		bus:     bus,
		channel: channel,
		ticks:   make(chan domain.Tick, buffer),
		logger:  logger.With(slog.String("component", "bus_feed")),
		wanted:  make(map[string]struct{}),
	}
}

// Subscribe sets the instrument filter and starts consuming on first use.
func (f *BusFeed) Subscribe(ctx context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := make(map[string]struct{}, len(instruments))
	for _, i := range instruments {
		wanted[i] = struct{}{}
	}
	f.wanted = wanted

	if f.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := f.bus.Subscribe(runCtx, f.channel)
	if err != nil {
		cancel()
		return fmt.Errorf("feed: bus subscribe %s: %w", f.channel, err)
	}
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.consume(ch, f.done)
	f.logger.InfoContext(ctx, "consuming ticks from bus", slog.String("channel", f.channel))
	return nil
}

// Ticks returns the permanent tick channel.
func (f *BusFeed) Ticks() <-chan domain.Tick { return f.ticks }

// Disconnect stops consuming and waits for the consumer to exit.
func (f *BusFeed) Disconnect() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (f *BusFeed) consume(ch <-chan []byte, done chan struct{}) {
	defer close(done)
	for data := range ch {
		t, err := decodeTick(data)
		if err != nil {
			f.logger.Debug("dropping malformed tick", slog.String("error", err.Error()))
			continue
		}
		f.mu.Lock()
		_, ok := f.wanted[t.Instrument]
		f.mu.Unlock()
		if !ok {
			continue
		}
		if !offerLatest(f.ticks, t) {
			if n := f.dropped.Add(1); n%100 == 1 {
				f.logger.Warn("tick channel full, dropping oldest ticks",
					slog.String("instrument", t.Instrument),
					slog.Uint64("dropped_total", n),
				)
			}
		}
	}
}

// Dropped is the number of buffered ticks discarded because the channel
// was full.
func (f *BusFeed) Dropped() uint64 { return f.dropped.Load() }

var _ domain.PriceFeed = (*BusFeed)(nil)
