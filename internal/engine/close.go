package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// ClosePosition closes one position outside the monitoring cycle and returns
// its final state. Unknown or already closed ids return ErrNotFound.
func (m *Manager) ClosePosition(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error) {
	closed, err := m.closeByID(ctx, id, reason)
	if err != nil {
		return domain.Position{}, err
	}
	m.afterClose(ctx, closed)
	return closed, nil
}

func (m *Manager) closeByID(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("engine: close %s: %w", id, domain.ErrNotFound)
	}
	p.UpdateUnrealizedPnL()
	return m.closeLocked(ctx, p, reason)
}

// ClosePositionManual closes id with reason MANUAL. It reports false when
// the position is not open, so repeating the call is harmless.
func (m *Manager) ClosePositionManual(ctx context.Context, id string) (bool, error) {
	_, err := m.ClosePosition(ctx, id, domain.ExitManual)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CloseAll manually closes every open position in turn and returns the
// closed positions. Failures do not stop the remaining closes.
func (m *Manager) CloseAll(ctx context.Context) ([]domain.Position, error) {
	var (
		closed []domain.Position
		errs   []error
	)
	for _, id := range m.snapshotIDs() {
		p, err := m.ClosePosition(ctx, id, domain.ExitManual)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		closed = append(closed, p)
	}
	return closed, errors.Join(errs...)
}

// closeLocked submits the opposing order in live mode and, once accepted,
// marks the position closed and drops it from the set. Without live trading
// no order is sent. On gateway failure the position stays for retry.
// Caller holds m.mu.
func (m *Manager) closeLocked(ctx context.Context, p *domain.Position, reason domain.ExitReason) (domain.Position, error) {
	if m.cfg.LiveTrading {
		res, err := m.gateway.ClosePosition(ctx, p.Instrument, p.Side, p.Size)
		if err != nil {
			m.logger.WarnContext(ctx, "close order failed, position retained for retry",
				slog.String("position_id", p.ID),
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()),
			)
			m.emit(ctx, domain.EventCloseFailed, *p, err)
			return domain.Position{}, &domain.PositionError{ID: p.ID, Instrument: p.Instrument, Op: "close", Err: err}
		}
		m.logger.InfoContext(ctx, "close order accepted",
			slog.String("position_id", p.ID),
			slog.String("order_id", res.OrderID),
		)
	} else {
		m.logger.InfoContext(ctx, "paper close, no order sent",
			slog.String("position_id", p.ID),
			slog.String("reason", string(reason)),
		)
	}

	if err := p.Close(reason, m.now()); err != nil {
		return domain.Position{}, &domain.PositionError{ID: p.ID, Instrument: p.Instrument, Op: "close", Err: err}
	}
	closed := *p
	delete(m.positions, p.ID)
	m.retired[p.ID] = struct{}{}
	m.persistLocked(ctx)

	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", closed.ID),
		slog.String("instrument", closed.Instrument),
		slog.String("reason", string(closed.ExitReason)),
		slog.Float64("pnl", closed.PnL),
		slog.Float64("pnl_pct", closed.PnLPct),
	)
	return closed, nil
}

// afterClose runs the slow side effects of a close without holding m.mu.
func (m *Manager) afterClose(ctx context.Context, closed domain.Position) {
	m.emit(ctx, domain.EventClosed, closed, nil)
	if m.feedLive.Load() && !m.HasInstrument(closed.Instrument) {
		_ = m.SyncSubscriptions(ctx)
	}
	if m.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.journal.Record(jctx, closed); err != nil {
		m.logger.WarnContext(ctx, "journal record failed",
			slog.String("position_id", closed.ID),
			slog.String("error", err.Error()),
		)
	}
}
