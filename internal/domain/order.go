package domain

import (
	"context"
	"time"
)

// OrderSide is the exchange-side direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderRequest describes a market order. Exactly one of QuoteSize (notional)
// or BaseSize (quantity) is set.
type OrderRequest struct {
	Instrument    string
	Side          OrderSide
	QuoteSize     float64
	BaseSize      float64
	ClientOrderID string
}

// OrderResult is the validated outcome of an accepted order submission.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          OrderSide
	SubmittedAt   time.Time
}

// Balance is one currency balance on the exchange account.
type Balance struct {
	Currency  string
	Available float64
	Hold      float64
}

// Tick is a single observed trade on an instrument.
type Tick struct {
	Instrument string
	Price      float64
	Size       float64
	Side       OrderSide
	Time       time.Time
	TradeID    string
}

// OrderGateway submits orders and answers price queries.
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ClosePosition(ctx context.Context, instrument string, side PositionSide, baseSize float64) (OrderResult, error)
	CurrentPrice(ctx context.Context, instrument string) (float64, error)
}

// AccountReader exposes account balances.
type AccountReader interface {
	Balances(ctx context.Context) ([]Balance, error)
}

// PriceFeed delivers ticks for the subscribed instruments on a bounded
// channel until Disconnect.
type PriceFeed interface {
	Subscribe(ctx context.Context, instruments []string) error
	Ticks() <-chan Tick
	Disconnect() error
}
