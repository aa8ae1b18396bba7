package domain

import (
	"context"
	"time"
)

// PositionStore persists the full open-position set. Save overwrites the
// previous snapshot completely.
type PositionStore interface {
	Load(ctx context.Context) (map[string]Position, error)
	Save(ctx context.Context, positions map[string]Position) error
}

// TradeJournal records positions after they close.
type TradeJournal interface {
	Record(ctx context.Context, pos Position) error
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore logs system events for compliance and debugging.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
