package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// StartMonitoring subscribes the feed to the held instruments and starts the
// monitoring loop. Calling it while running only logs a warning. A failed
// subscription is logged and monitoring runs without live prices.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.loopAliveLocked() {
		m.logger.WarnContext(ctx, "monitoring already running")
		return
	}

	if instruments := m.ActiveInstruments(); len(instruments) > 0 {
		_ = m.SyncSubscriptions(ctx)
	}

	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	m.feedLive.Store(true)
	go m.loop(ctx, m.stopCh, m.done)

	m.logger.InfoContext(ctx, "monitoring started",
		slog.Bool("live_trading", m.cfg.LiveTrading),
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("positions", m.Count()),
	)
}

// StopMonitoring stops the loop, waits for it to unwind and then disconnects
// the feed. No exit order is submitted after it returns. Safe to call twice.
func (m *Manager) StopMonitoring() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	m.feedLive.Store(false)
	close(m.stopCh)
	<-m.done
	m.running = false

	if err := m.feed.Disconnect(); err != nil {
		m.logger.Warn("price feed disconnect failed", slog.String("error", err.Error()))
		return fmt.Errorf("engine: disconnect feed: %w", err)
	}
	m.logger.Info("monitoring stopped")
	return nil
}

// Monitoring reports whether the loop is running.
func (m *Manager) Monitoring() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.loopAliveLocked()
}

// loopAliveLocked is false once the loop has returned, including when its
// context ended without StopMonitoring. Callers hold runMu.
func (m *Manager) loopAliveLocked() bool {
	if !m.running {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Run starts monitoring and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.StartMonitoring(ctx)
	<-ctx.Done()
	if err := m.StopMonitoring(); err != nil {
		return err
	}
	return ctx.Err()
}

// loop is the only consumer of the tick channel, so price updates are never
// applied in the middle of a position check.
func (m *Manager) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if ctx.Err() != nil {
			m.feedLive.Store(false)
		}
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	ticks := m.feed.Ticks()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			m.OnPriceUpdate(t)
		case <-ticker.C:
			if ticks == nil {
				ticks = m.feed.Ticks()
			}
			if err := m.safePass(ctx, stop); err != nil {
				m.logger.ErrorContext(ctx, "monitoring pass failed, backing off",
					slog.Duration("backoff", m.cfg.ErrorBackoff),
					slog.String("error", err.Error()),
				)
				if !sleep(ctx, stop, m.cfg.ErrorBackoff) {
					return
				}
			}
		}
	}
}

func (m *Manager) safePass(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: monitoring pass panicked: %v", r)
		}
	}()
	m.runPass(ctx, stop)
	return nil
}

// runPass checks every position in a snapshot of the current ids.
func (m *Manager) runPass(ctx context.Context, stop <-chan struct{}) {
	for _, id := range m.snapshotIDs() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := m.checkPosition(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "position check failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) snapshotIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// checkPosition refreshes PnL, arms or ratchets the trailing stop, and closes
// the position when an exit trigger fires.
func (m *Manager) checkPosition(ctx context.Context, id string) error {
	closed, err := m.evaluate(ctx, id)
	if err != nil {
		return err
	}
	if closed != nil {
		m.afterClose(ctx, *closed)
	}
	return nil
}

func (m *Manager) evaluate(ctx context.Context, id string) (closed *domain.Position, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &domain.PositionError{ID: p.ID, Instrument: p.Instrument, Op: "check", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	p.UpdateUnrealizedPnL()

	if p.ShouldActivateTrailing() {
		p.ActivateTrailing()
		m.persistLocked(ctx)
		m.logger.InfoContext(ctx, "trailing stop armed",
			slog.String("position_id", p.ID),
			slog.Float64("price", p.CurrentPrice),
			slog.Float64("trailing_stop", p.TrailingStopPrice),
		)
		m.emit(ctx, domain.EventTrailingArmed, *p, nil)
	}
	if p.TrailingActive {
		prev := p.TrailingStopPrice
		if p.UpdateTrailingStop() {
			m.persistLocked(ctx)
			m.logger.DebugContext(ctx, "trailing stop moved",
				slog.String("position_id", p.ID),
				slog.Float64("from", prev),
				slog.Float64("to", p.TrailingStopPrice),
			)
		}
	}

	reason, hit := exitDecision(p)
	if !hit {
		return nil, nil
	}

	m.logger.InfoContext(ctx, "exit triggered",
		slog.String("position_id", p.ID),
		slog.String("reason", string(reason)),
		slog.Float64("price", p.CurrentPrice),
		slog.Float64("pnl", p.PnL),
	)
	c, err := m.closeLocked(ctx, p, reason)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// exitDecision applies the fixed priority: stop-loss, then trailing stop,
// then take-profit. Capital protection wins when price gaps across levels.
func exitDecision(p *domain.Position) (domain.ExitReason, bool) {
	switch {
	case p.ShouldStopLoss():
		return domain.ExitStopLoss, true
	case p.ShouldTrailingStop():
		return domain.ExitTrailingStop, true
	case p.ShouldTakeProfit():
		return domain.ExitTakeProfit, true
	default:
		return "", false
	}
}

// sleep waits for d and reports false if stopped first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
