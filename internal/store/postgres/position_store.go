package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// PositionStore implements domain.PositionStore on the open_positions table.
// Each Save replaces the table content inside one transaction.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var positionColumns = []string{
	"position_id", "product_id", "side", "size", "entry_price", "current_price",
	"stop_loss_price", "take_profit_price", "trailing_activation_price",
	"trailing_distance_pct", "status", "trailing_active", "trailing_stop_price",
	"opened_at", "closed_at", "exit_reason", "pnl", "pnl_pct",
}

func scanRecord(row pgx.Row) (domain.PositionRecord, error) {
	var r domain.PositionRecord
	err := row.Scan(
		&r.PositionID, &r.ProductID, &r.Side, &r.Size, &r.EntryPrice, &r.CurrentPrice,
		&r.StopLossPrice, &r.TakeProfitPrice, &r.TrailingActivationPrice,
		&r.TrailingDistancePct, &r.Status, &r.TrailingActive, &r.TrailingStopPrice,
		&r.OpenedAt, &r.ClosedAt, &r.ExitReason, &r.PnL, &r.PnLPct,
	)
	return r, err
}

func recordValues(r domain.PositionRecord) []any {
	return []any{
		r.PositionID, r.ProductID, r.Side, r.Size, r.EntryPrice, r.CurrentPrice,
		r.StopLossPrice, r.TakeProfitPrice, r.TrailingActivationPrice,
		r.TrailingDistancePct, r.Status, r.TrailingActive, r.TrailingStopPrice,
		r.OpenedAt, r.ClosedAt, r.ExitReason, r.PnL, r.PnLPct,
	}
}

// Load reads every stored position.
func (s *PositionStore) Load(ctx context.Context) (map[string]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position_id, product_id, side, size, entry_price, current_price,
		       stop_loss_price, take_profit_price, trailing_activation_price,
		       trailing_distance_pct, status, trailing_active, trailing_stop_price,
		       opened_at, closed_at, exit_reason, pnl, pnl_pct
		FROM open_positions`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Position)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p, err := rec.Position()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions rows: %w", err)
	}
	return out, nil
}

// Save replaces the stored set with positions.
func (s *PositionStore) Save(ctx context.Context, positions map[string]domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM open_positions`); err != nil {
		return fmt.Errorf("postgres: clear positions: %w", err)
	}

	if len(positions) > 0 {
		rows := make([][]any, 0, len(positions))
		for _, p := range positions {
			rows = append(rows, recordValues(p.ToRecord()))
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"open_positions"}, positionColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("postgres: copy positions: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save: %w", err)
	}
	return nil
}
