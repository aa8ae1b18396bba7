// Package engine owns the set of open positions, evaluates their exit
// triggers on a fixed cadence and closes them through the order gateway.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// Config controls the monitoring cadence and execution mode.
type Config struct {
	// LiveTrading submits closing orders to the gateway. When false exits
	// are decided and recorded without any exchange call.
	LiveTrading  bool
	Interval     time.Duration
	ErrorBackoff time.Duration
	SaveTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

// Option customises a Manager.
type Option func(*Manager)

// WithJournal records every closed position.
func WithJournal(j domain.TradeJournal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithEvents forwards lifecycle events to sink.
func WithEvents(sink domain.EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the single owner of the open-position set.
type Manager struct {
	cfg     Config
	store   domain.PositionStore
	gateway domain.OrderGateway
	feed    domain.PriceFeed
	journal domain.TradeJournal
	events  domain.EventSink
	logger  *slog.Logger
	now     func() time.Time

	// mu serialises every read-modify-write on positions, including the
	// gateway call that closes one, so a position is never closed twice.
	mu        sync.Mutex
	positions map[string]*domain.Position
	retired   map[string]struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// feedLive is cleared before the loop is stopped so late closes never
	// resubscribe a feed that is being torn down.
	feedLive atomic.Bool
}

// New creates a Manager. Call Load before StartMonitoring to restore the
// persisted positions.
func New(cfg Config, store domain.PositionStore, gateway domain.OrderGateway, feed domain.PriceFeed, logger *slog.Logger, opts ...Option) *Manager {
	cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		store:     store,
		gateway:   gateway,
		feed:      feed,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		positions: make(map[string]*domain.Position),
		retired:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LiveTrading reports whether exits are sent to the exchange.
func (m *Manager) LiveTrading() bool { return m.cfg.LiveTrading }

// Load replaces the in-memory set with the persisted snapshot. A store that
// cannot be read yields an empty set.
func (m *Manager) Load(ctx context.Context) int {
	loaded, err := m.store.Load(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "could not load positions, starting with an empty set",
			slog.String("error", err.Error()),
		)
		loaded = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*domain.Position, len(loaded))
	for id, p := range loaded {
		if !p.IsOpen() {
			continue
		}
		if p.ID == "" {
			p.ID = id
		}
		if err := p.Validate(); err != nil {
			m.logger.WarnContext(ctx, "loaded position violates invariants, keeping it under monitoring",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
		pos := p
		m.positions[pos.ID] = &pos
	}
	m.logger.InfoContext(ctx, "positions loaded", slog.Int("count", len(m.positions)))
	return len(m.positions)
}

// AddPosition registers a new open position and persists the set.
func (m *Manager) AddPosition(ctx context.Context, p domain.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("engine: add position: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("engine: add position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if _, ok := m.retired[p.ID]; ok {
		return fmt.Errorf("engine: add position %s: id was used by a closed position: %w", p.ID, domain.ErrAlreadyExists)
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	pos := p
	m.positions[pos.ID] = &pos
	m.persistLocked(ctx)

	m.logger.InfoContext(ctx, "position registered",
		slog.String("position_id", pos.ID),
		slog.String("instrument", pos.Instrument),
		slog.String("side", string(pos.Side)),
		slog.Float64("size", pos.Size),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("stop_loss", pos.StopLossPrice),
		slog.Float64("take_profit", pos.TakeProfitPrice),
		slog.Float64("trailing_activation", pos.TrailingActivationPrice),
	)
	m.emit(ctx, domain.EventOpened, pos, nil)
	return nil
}

// RemovePosition drops a position without closing it on the exchange.
func (m *Manager) RemovePosition(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: remove position %s: %w", id, domain.ErrNotFound)
	}
	delete(m.positions, id)
	m.retired[id] = struct{}{}
	m.persistLocked(ctx)
	return *p, nil
}

// Position returns a copy of one open position.
func (m *Manager) Position(id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: position %s: %w", id, domain.ErrNotFound)
	}
	return *p, nil
}

// Positions returns copies of all open positions, oldest first.
func (m *Manager) Positions() []domain.Position {
	m.mu.Lock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count is the number of open positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// ActiveInstruments is the sorted, deduplicated instrument list across all
// open positions.
func (m *Manager) ActiveInstruments() []string {
	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.positions))
	for _, p := range m.positions {
		seen[p.Instrument] = struct{}{}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(seen))
	for inst := range seen {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// FindOpen returns the open position on instrument and side, if any.
func (m *Manager) FindOpen(instrument string, side domain.PositionSide) (domain.Position, bool) {
	for _, p := range m.Positions() {
		if p.Instrument == instrument && p.Side == side {
			return p, true
		}
	}
	return domain.Position{}, false
}

// HasInstrument reports whether any open position trades instrument.
func (m *Manager) HasInstrument(instrument string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Instrument == instrument {
			return true
		}
	}
	return false
}

// SyncSubscriptions points the price feed at the current instrument set.
func (m *Manager) SyncSubscriptions(ctx context.Context) error {
	instruments := m.ActiveInstruments()
	if err := m.feed.Subscribe(ctx, instruments); err != nil {
		m.logger.WarnContext(ctx, "price feed subscription failed, positions keep stale prices",
			slog.Any("instruments", instruments),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("engine: subscribe %v: %w: %w", instruments, domain.ErrFeed, err)
	}
	return nil
}

// OnPriceUpdate sets the current price of every open position on the tick's
// instrument. Triggers are only evaluated by the monitoring pass.
func (m *Manager) OnPriceUpdate(t domain.Tick) {
	if t.Price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Instrument == t.Instrument {
			p.CurrentPrice = t.Price
		}
	}
}

// persistLocked writes the full set. Failures leave memory authoritative.
func (m *Manager) persistLocked(ctx context.Context) {
	snapshot := make(map[string]domain.Position, len(m.positions))
	for id, p := range m.positions {
		snapshot[id] = *p
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SaveTimeout)
	defer cancel()
	if err := m.store.Save(saveCtx, snapshot); err != nil {
		m.logger.WarnContext(ctx, "durability warning: position set not persisted",
			slog.Int("positions", len(snapshot)),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
		)
	}
}

func (m *Manager) emit(ctx context.Context, typ domain.EventType, p domain.Position, err error) {
	if m.events == nil {
		return
	}
	ev := domain.PositionEvent{Type: typ, Position: p, Time: m.now().UTC()}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Emit(ctx, ev)
}
