package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// JournalStore implements domain.TradeJournal on the closed_positions table.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a new JournalStore backed by the given connection pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Record inserts a closed position. Re-recording the same id is a no-op.
func (s *JournalStore) Record(ctx context.Context, p domain.Position) error {
	if p.IsOpen() || p.ClosedAt == nil {
		return fmt.Errorf("postgres: journal %s: %w", p.ID, domain.Validationf("position is not closed"))
	}
	const query = `
		INSERT INTO closed_positions (
			position_id, product_id, side, size, entry_price, exit_price,
			stop_loss_price, take_profit_price, trailing_stop_price,
			exit_reason, pnl, pnl_pct, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (position_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Instrument, string(p.Side), p.Size, p.EntryPrice, p.CurrentPrice,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingStopPrice,
		string(p.ExitReason), p.PnL, p.PnLPct, p.OpenedAt, *p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: journal %s: %w", p.ID, err)
	}
	return nil
}
