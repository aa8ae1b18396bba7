package domain

import (
	"fmt"
	"strings"
	"time"
)

// PositionSide is the direction a position is held in.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// ParsePositionSide accepts LONG or SHORT in any case.
func ParsePositionSide(s string) (PositionSide, error) {
	switch PositionSide(strings.ToUpper(strings.TrimSpace(s))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	default:
		return "", Validationf("unknown position side %q", s)
	}
}

// EntryOrderSide is the order side that opens a position on this side.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide is the opposing order side that flattens the position.
func (s PositionSide) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionStatus tracks the lifecycle ACTIVE -> TRAILING -> CLOSED.
type PositionStatus string

const (
	StatusActive   PositionStatus = "ACTIVE"
	StatusTrailing PositionStatus = "TRAILING"
	StatusClosed   PositionStatus = "CLOSED"
)

// ParsePositionStatus reconstructs a status from its stored text.
func ParsePositionStatus(s string) (PositionStatus, error) {
	switch PositionStatus(strings.ToUpper(s)) {
	case StatusActive:
		return StatusActive, nil
	case StatusTrailing:
		return StatusTrailing, nil
	case StatusClosed:
		return StatusClosed, nil
	default:
		return "", Validationf("unknown position status %q", s)
	}
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitManual       ExitReason = "MANUAL"
	ExitSignal       ExitReason = "SIGNAL"
)

// ParseExitReason reconstructs an exit reason; the empty string is no reason.
func ParseExitReason(s string) (ExitReason, error) {
	switch r := ExitReason(strings.ToUpper(s)); r {
	case "":
		return "", nil
	case ExitStopLoss, ExitTakeProfit, ExitTrailingStop, ExitManual, ExitSignal:
		return r, nil
	default:
		return "", Validationf("unknown exit reason %q", s)
	}
}

const (
	DefaultTrailingDistancePct = 0.75
	MinTrailingDistancePct     = 0.1
	MaxTrailingDistancePct     = 5.0
)

// Position is one open trade together with its exit levels.
type Position struct {
	ID                      string
	Instrument              string
	Side                    PositionSide
	Size                    float64 // base-currency quantity
	EntryPrice              float64
	CurrentPrice            float64
	StopLossPrice           float64
	TakeProfitPrice         float64
	TrailingActivationPrice float64
	TrailingDistancePct     float64
	Status                  PositionStatus
	TrailingActive          bool
	TrailingStopPrice       float64 // 0 until armed
	OpenedAt                time.Time
	ClosedAt                *time.Time
	ExitReason              ExitReason
	PnL                     float64
	PnLPct                  float64
}

// IsOpen reports whether the position is still ACTIVE or TRAILING.
func (p *Position) IsOpen() bool {
	return p.Status != StatusClosed
}

// UpdateUnrealizedPnL recomputes PnL in quote currency and as a percent of
// entry from the current price.
func (p *Position) UpdateUnrealizedPnL() {
	if !p.IsOpen() {
		return
	}
	perUnit := p.CurrentPrice - p.EntryPrice
	if p.Side == SideShort {
		perUnit = p.EntryPrice - p.CurrentPrice
	}
	p.PnL = perUnit * p.Size
	if p.EntryPrice > 0 {
		p.PnLPct = perUnit / p.EntryPrice * 100
	} else {
		p.PnLPct = 0
	}
}

// ShouldStopLoss reports a move at or past the stop-loss level.
func (p *Position) ShouldStopLoss() bool {
	if p.Side == SideShort {
		return p.CurrentPrice >= p.StopLossPrice
	}
	return p.CurrentPrice <= p.StopLossPrice
}

// ShouldTakeProfit reports a move at or past the take-profit level.
func (p *Position) ShouldTakeProfit() bool {
	if p.Side == SideShort {
		return p.CurrentPrice <= p.TakeProfitPrice
	}
	return p.CurrentPrice >= p.TakeProfitPrice
}

// ShouldActivateTrailing is true once price reaches the activation level and
// trailing protection is not armed yet.
func (p *Position) ShouldActivateTrailing() bool {
	if p.TrailingActive || !p.IsOpen() {
		return false
	}
	if p.Side == SideShort {
		return p.CurrentPrice <= p.TrailingActivationPrice
	}
	return p.CurrentPrice >= p.TrailingActivationPrice
}

// ActivateTrailing arms trailing protection and seeds the stop one trailing
// distance behind the current price.
func (p *Position) ActivateTrailing() {
	if !p.IsOpen() {
		return
	}
	p.TrailingActive = true
	p.Status = StatusTrailing
	p.TrailingStopPrice = p.trailingCandidate()
}

// UpdateTrailingStop ratchets the trailing stop toward the holder and
// reports whether it moved. The stop never moves against the holder.
func (p *Position) UpdateTrailingStop() bool {
	if !p.TrailingActive || !p.IsOpen() {
		return false
	}
	candidate := p.trailingCandidate()
	if p.Side == SideShort {
		if candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
			return true
		}
		return false
	}
	if candidate > p.TrailingStopPrice {
		p.TrailingStopPrice = candidate
		return true
	}
	return false
}

// ShouldTrailingStop reports a move back through the armed trailing stop.
func (p *Position) ShouldTrailingStop() bool {
	if !p.TrailingActive {
		return false
	}
	if p.Side == SideShort {
		return p.CurrentPrice >= p.TrailingStopPrice
	}
	return p.CurrentPrice <= p.TrailingStopPrice
}

func (p *Position) trailingCandidate() float64 {
	if p.Side == SideShort {
		return p.CurrentPrice * (1 + p.TrailingDistancePct/100)
	}
	return p.CurrentPrice * (1 - p.TrailingDistancePct/100)
}

// Close marks the position CLOSED with the given reason. Closing twice
// returns ErrPositionClosed and leaves the first close intact.
func (p *Position) Close(reason ExitReason, at time.Time) error {
	if !p.IsOpen() {
		return ErrPositionClosed
	}
	p.UpdateUnrealizedPnL()
	at = at.UTC()
	p.Status = StatusClosed
	p.ExitReason = reason
	p.ClosedAt = &at
	return nil
}

// Validate checks the structural invariants of an open position.
func (p *Position) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return Validationf("position id is empty")
	}
	if strings.TrimSpace(p.Instrument) == "" {
		return Validationf("instrument is empty")
	}
	if p.Side != SideLong && p.Side != SideShort {
		return Validationf("side must be LONG or SHORT, got %q", p.Side)
	}
	if p.Size <= 0 {
		return Validationf("size must be > 0, got %v", p.Size)
	}
	if p.EntryPrice <= 0 {
		return Validationf("entry price must be > 0, got %v", p.EntryPrice)
	}
	if p.TrailingDistancePct < MinTrailingDistancePct || p.TrailingDistancePct > MaxTrailingDistancePct {
		return Validationf("trailing distance must be within %v-%v%%, got %v",
			MinTrailingDistancePct, MaxTrailingDistancePct, p.TrailingDistancePct)
	}
	if !p.IsOpen() {
		return Validationf("position is %s", p.Status)
	}
	if p.ExitReason != "" {
		return Validationf("open position carries exit reason %s", p.ExitReason)
	}
	return p.validateLevels()
}

// Activation may sit exactly at entry (0% activation offset); stop and
// target must be strictly on either side.
func (p *Position) validateLevels() error {
	e := p.EntryPrice
	switch p.Side {
	case SideLong:
		if !(p.StopLossPrice < e && e < p.TakeProfitPrice) {
			return Validationf("long levels must satisfy stop %v < entry %v < target %v", p.StopLossPrice, e, p.TakeProfitPrice)
		}
		if p.TrailingActivationPrice < e {
			return Validationf("long trailing activation %v below entry %v", p.TrailingActivationPrice, e)
		}
	case SideShort:
		if !(p.TakeProfitPrice < e && e < p.StopLossPrice) {
			return Validationf("short levels must satisfy target %v < entry %v < stop %v", p.TakeProfitPrice, e, p.StopLossPrice)
		}
		if p.TrailingActivationPrice > e {
			return Validationf("short trailing activation %v above entry %v", p.TrailingActivationPrice, e)
		}
	}
	return nil
}

func (p *Position) String() string {
	return fmt.Sprintf("%s %s %s size=%g entry=%g", p.ID, p.Side, p.Instrument, p.Size, p.EntryPrice)
}
