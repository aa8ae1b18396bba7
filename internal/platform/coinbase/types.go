package coinbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// --------------------------------------------------------------------------
// REST wire types
// --------------------------------------------------------------------------

// CreateOrderRequest is the body of POST /api/v3/brokerage/orders.
type CreateOrderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration OrderConfiguration `json:"order_configuration"`
}

// OrderConfiguration carries exactly one order type. Only immediate-or-cancel
// market orders are used.
type OrderConfiguration struct {
	MarketIOC *MarketIOC `json:"market_market_ioc,omitempty"`
}

// MarketIOC sizes a market order by quote (notional) or base quantity.
type MarketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

// CreateOrderResponse is the create-order reply.
type CreateOrderResponse struct {
	Success         bool                 `json:"success"`
	FailureReason   string               `json:"failure_reason"`
	OrderID         string               `json:"order_id"`
	SuccessResponse *OrderSuccessDetails `json:"success_response"`
	ErrorResponse   *OrderErrorDetails   `json:"error_response"`
}

// OrderSuccessDetails identifies the accepted order.
type OrderSuccessDetails struct {
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderErrorDetails explains a rejected order.
type OrderErrorDetails struct {
	Error                 string `json:"error"`
	Message               string `json:"message"`
	ErrorDetails          string `json:"error_details"`
	PreviewFailureReason  string `json:"preview_failure_reason"`
	NewOrderFailureReason string `json:"new_order_failure_reason"`
}

// ProductResponse is the subset of GET /products/{id} that is used.
type ProductResponse struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Status    string `json:"status"`
}

// AccountsResponse is one page of GET /accounts.
type AccountsResponse struct {
	Accounts []Account `json:"accounts"`
	HasNext  bool      `json:"has_next"`
	Cursor   string    `json:"cursor"`
}

// Account is one currency wallet.
type Account struct {
	UUID             string       `json:"uuid"`
	Currency         string       `json:"currency"`
	AvailableBalance MoneyAmount  `json:"available_balance"`
	Hold             *MoneyAmount `json:"hold"`
}

// MoneyAmount is a decimal string with its currency.
type MoneyAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// --------------------------------------------------------------------------
// WebSocket wire types
// --------------------------------------------------------------------------

// WSCommand subscribes to or unsubscribes from a channel.
type WSCommand struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// WSMessage is the envelope of every feed message.
type WSMessage struct {
	Channel     string    `json:"channel"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Timestamp   string    `json:"timestamp"`
	SequenceNum int64     `json:"sequence_num"`
	Events      []WSEvent `json:"events"`
}

// WSEvent groups trades of one snapshot or update.
type WSEvent struct {
	Type   string       `json:"type"`
	Trades []TradeEvent `json:"trades"`
}

// TradeEvent is one market_trades entry.
type TradeEvent struct {
	TradeID   string `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

// ToDomainOrderResult validates the reply and extracts the order identity.
func (r *CreateOrderResponse) ToDomainOrderResult(req CreateOrderRequest, at time.Time) (domain.OrderResult, error) {
	if !r.Success {
		return domain.OrderResult{}, fmt.Errorf("order rejected: %s", r.rejection())
	}

	result := domain.OrderResult{
		OrderID:       r.OrderID,
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.ProductID,
		Side:          domain.OrderSide(req.Side),
		SubmittedAt:   at,
	}
	if s := r.SuccessResponse; s != nil {
		if result.OrderID == "" {
			result.OrderID = s.OrderID
		}
		if s.ClientOrderID != "" {
			result.ClientOrderID = s.ClientOrderID
		}
		if s.ProductID != "" {
			result.Instrument = s.ProductID
		}
	}
	if result.OrderID == "" {
		return domain.OrderResult{}, fmt.Errorf("order accepted without order_id")
	}
	return result, nil
}

func (r *CreateOrderResponse) rejection() string {
	var parts []string
	if r.FailureReason != "" {
		parts = append(parts, r.FailureReason)
	}
	if e := r.ErrorResponse; e != nil {
		for _, s := range []string{e.Error, e.Message, e.ErrorDetails, e.PreviewFailureReason, e.NewOrderFailureReason} {
			if s != "" && s != "UNKNOWN_FAILURE_REASON" {
				parts = append(parts, s)
			}
		}
	}
	if len(parts) == 0 {
		return "no reason given"
	}
	return strings.Join(parts, ": ")
}

// PriceFloat parses the product price. A missing or non-positive price is an
// error.
func (p *ProductResponse) PriceFloat() (float64, error) {
	if p.Price == "" {
		return 0, fmt.Errorf("product %s has no price", p.ProductID)
	}
	d, err := decimal.NewFromString(p.Price)
	if err != nil {
		return 0, fmt.Errorf("product %s price %q: %w", p.ProductID, p.Price, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("product %s price %s is not positive", p.ProductID, p.Price)
	}
	return d.InexactFloat64(), nil
}

// ToDomainBalance converts one account.
func (a *Account) ToDomainBalance() (domain.Balance, error) {
	avail, err := parseAmount(a.AvailableBalance.Value)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("account %s available balance: %w", a.Currency, err)
	}
	var hold float64
	if a.Hold != nil {
		if hold, err = parseAmount(a.Hold.Value); err != nil {
			return domain.Balance{}, fmt.Errorf("account %s hold: %w", a.Currency, err)
		}
	}
	return domain.Balance{Currency: a.Currency, Available: avail, Hold: hold}, nil
}

func parseAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// ToDomainTick parses a trade. Price must be positive.
func (t *TradeEvent) ToDomainTick() (domain.Tick, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("trade %s price %q: %w", t.TradeID, t.Price, err)
	}
	if !price.IsPositive() {
		return domain.Tick{}, fmt.Errorf("trade %s price %s is not positive", t.TradeID, t.Price)
	}
	size, err := parseAmount(t.Size)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("trade %s size %q: %w", t.TradeID, t.Size, err)
	}

	ts := time.Now().UTC()
	if t.Time != "" {
		parsed, err := time.Parse(time.RFC3339Nano, t.Time)
		if err != nil {
			return domain.Tick{}, fmt.Errorf("trade %s time %q: %w", t.TradeID, t.Time, err)
		}
		ts = parsed
	}

	return domain.Tick{
		Instrument: t.ProductID,
		Price:      price.InexactFloat64(),
		Size:       size,
		Side:       domain.OrderSide(strings.ToUpper(t.Side)),
		Time:       ts,
		TradeID:    t.TradeID,
	}, nil
}

// formatQuote renders a notional amount to cents.
func formatQuote(v float64) string {
	return decimal.NewFromFloat(v).Round(2).String()
}

// formatBase renders a base quantity, truncated so the order never exceeds
// the held size.
func formatBase(v float64) string {
	return decimal.NewFromFloat(v).Truncate(8).String()
}
