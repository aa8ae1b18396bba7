package domain

import (
	"fmt"
	"time"
)

// PositionRecord is the flat, textual persisted form of a Position.
type PositionRecord struct {
	PositionID              string     `json:"position_id"`
	ProductID               string     `json:"product_id"`
	Side                    string     `json:"side"`
	Size                    float64    `json:"size"`
	EntryPrice              float64    `json:"entry_price"`
	CurrentPrice            float64    `json:"current_price"`
	StopLossPrice           float64    `json:"stop_loss_price"`
	TakeProfitPrice         float64    `json:"take_profit_price"`
	TrailingActivationPrice float64    `json:"trailing_activation_price"`
	TrailingDistancePct     float64    `json:"trailing_distance_pct"`
	Status                  string     `json:"status"`
	TrailingActive          bool       `json:"trailing_active"`
	TrailingStopPrice       float64    `json:"trailing_stop_price"`
	OpenedAt                time.Time  `json:"opened_at"`
	ClosedAt                *time.Time `json:"closed_at"`
	ExitReason              *string    `json:"exit_reason"`
	PnL                     float64    `json:"pnl"`
	PnLPct                  float64    `json:"pnl_pct"`
}

// ToRecord flattens p for storage.
func (p Position) ToRecord() PositionRecord {
	r := PositionRecord{
		PositionID:              p.ID,
		ProductID:               p.Instrument,
		Side:                    string(p.Side),
		Size:                    p.Size,
		EntryPrice:              p.EntryPrice,
		CurrentPrice:            p.CurrentPrice,
		StopLossPrice:           p.StopLossPrice,
		TakeProfitPrice:         p.TakeProfitPrice,
		TrailingActivationPrice: p.TrailingActivationPrice,
		TrailingDistancePct:     p.TrailingDistancePct,
		Status:                  string(p.Status),
		TrailingActive:          p.TrailingActive,
		TrailingStopPrice:       p.TrailingStopPrice,
		OpenedAt:                p.OpenedAt,
		PnL:                     p.PnL,
		PnLPct:                  p.PnLPct,
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		r.ClosedAt = &t
	}
	if p.ExitReason != "" {
		s := string(p.ExitReason)
		r.ExitReason = &s
	}
	return r
}

// Position rebuilds a Position from its record, parsing the enum fields.
// A trailing-active record without a stop is reseeded from its current price.
func (r PositionRecord) Position() (Position, error) {
	side, err := ParsePositionSide(r.Side)
	if err != nil {
		return Position{}, fmt.Errorf("record %s: %w", r.PositionID, err)
	}
	status, err := ParsePositionStatus(r.Status)
	if err != nil {
		return Position{}, fmt.Errorf("record %s: %w", r.PositionID, err)
	}
	var reason ExitReason
	if r.ExitReason != nil {
		if reason, err = ParseExitReason(*r.ExitReason); err != nil {
			return Position{}, fmt.Errorf("record %s: %w", r.PositionID, err)
		}
	}
	p := Position{
		ID:                      r.PositionID,
		Instrument:              r.ProductID,
		Side:                    side,
		Size:                    r.Size,
		EntryPrice:              r.EntryPrice,
		CurrentPrice:            r.CurrentPrice,
		StopLossPrice:           r.StopLossPrice,
		TakeProfitPrice:         r.TakeProfitPrice,
		TrailingActivationPrice: r.TrailingActivationPrice,
		TrailingDistancePct:     r.TrailingDistancePct,
		Status:                  status,
		TrailingActive:          r.TrailingActive,
		TrailingStopPrice:       r.TrailingStopPrice,
		OpenedAt:                r.OpenedAt,
		ExitReason:              reason,
		PnL:                     r.PnL,
		PnLPct:                  r.PnLPct,
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		p.ClosedAt = &t
	}
	if p.TrailingDistancePct == 0 {
		p.TrailingDistancePct = DefaultTrailingDistancePct
	}
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	if p.TrailingActive && p.TrailingStopPrice <= 0 && p.IsOpen() {
		p.TrailingStopPrice = p.trailingCandidate()
	}
	return p, nil
}
