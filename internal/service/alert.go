package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// Percentage bounds accepted on inbound alerts.
const (
	minStopLossPct   = 0.1
	maxStopLossPct   = 10.0
	minTakeProfitPct = 0.1
	maxTakeProfitPct = 20.0
	minActivationPct = 0.0
	maxActivationPct = 10.0
	maxLeverageBound = 10.0
)

// AlertRequest is the JSON body an alerting tool posts. Optional fields are
// pointers so an explicit zero can be told apart from an absent value.
type AlertRequest struct {
	Action                  string   `json:"action"`
	Symbol                  string   `json:"symbol"`
	EntryPrice              *float64 `json:"entry_price,omitempty"`
	Price                   *float64 `json:"price,omitempty"`
	StopPrice               *float64 `json:"stop_price,omitempty"`
	TargetPrice             *float64 `json:"target_price,omitempty"`
	TrailingActivationPrice *float64 `json:"trailing_activation_price,omitempty"`
	StopLossPct             *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct           *float64 `json:"take_profit_pct,omitempty"`
	TrailingActivationPct   *float64 `json:"trailing_activation_pct,omitempty"`
	TrailingDistancePct     *float64 `json:"trailing_distance_pct,omitempty"`
	PositionSizeUSD         *float64 `json:"position_size_usd,omitempty"`
	Leverage                *float64 `json:"leverage,omitempty"`
	Secret                  string   `json:"secret,omitempty"`
}

// AlertDefaults fill the percentages and size an alert leaves out.
type AlertDefaults struct {
	StopLossPct           float64
	TakeProfitPct         float64
	TrailingActivationPct float64
	TrailingDistancePct   float64
	PositionSizeUSD       float64
	MaxLeverage           float64
}

// DefaultAlertDefaults mirrors the stock trading section of the config.
func DefaultAlertDefaults() AlertDefaults {
	return AlertDefaults{
		StopLossPct:           1.5,
		TakeProfitPct:         1.5,
		TrailingActivationPct: 0.8,
		TrailingDistancePct:   domain.DefaultTrailingDistancePct,
		PositionSizeUSD:       100,
		MaxLeverage:           3,
	}
}

// ParseAlert defaults and bounds-checks a request. Every failure wraps
// domain.ErrValidation.
func ParseAlert(req AlertRequest, d AlertDefaults) (domain.Alert, error) {
	action, err := domain.ParseAction(req.Action)
	if err != nil {
		return domain.Alert{}, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" && action != domain.ActionCloseAll {
		return domain.Alert{}, domain.Validationf("symbol is required")
	}

	maxLev := d.MaxLeverage
	if maxLev <= 0 || maxLev > maxLeverageBound {
		maxLev = maxLeverageBound
	}

	a := domain.Alert{
		Action:                  action,
		Instrument:              symbol,
		PositionSizeUSD:         valueOr(req.PositionSizeUSD, d.PositionSizeUSD),
		StopLossPct:             valueOr(req.StopLossPct, d.StopLossPct),
		TakeProfitPct:           valueOr(req.TakeProfitPct, d.TakeProfitPct),
		TrailingActivationPct:   valueOr(req.TrailingActivationPct, d.TrailingActivationPct),
		TrailingDistancePct:     valueOr(req.TrailingDistancePct, d.TrailingDistancePct),
		Leverage:                valueOr(req.Leverage, 1),
		StopPrice:               valueOr(req.StopPrice, 0),
		TargetPrice:             valueOr(req.TargetPrice, 0),
		TrailingActivationPrice: valueOr(req.TrailingActivationPrice, 0),
	}

	checks := []struct {
		name     string
		v        float64
		min, max float64
	}{
		{"stop_loss_pct", a.StopLossPct, minStopLossPct, maxStopLossPct},
		{"take_profit_pct", a.TakeProfitPct, minTakeProfitPct, maxTakeProfitPct},
		{"trailing_activation_pct", a.TrailingActivationPct, minActivationPct, maxActivationPct},
		{"trailing_distance_pct", a.TrailingDistancePct, domain.MinTrailingDistancePct, domain.MaxTrailingDistancePct},
		{"leverage", a.Leverage, 1, maxLev},
	}
	for _, c := range checks {
		if c.v < c.min || c.v > c.max {
			return domain.Alert{}, domain.Validationf("%s must be within [%g, %g], got %g", c.name, c.min, c.max, c.v)
		}
	}
	if !(a.PositionSizeUSD > 0) {
		return domain.Alert{}, domain.Validationf("position_size_usd must be positive, got %g", a.PositionSizeUSD)
	}
	for name, v := range map[string]float64{
		"stop_price":                a.StopPrice,
		"target_price":              a.TargetPrice,
		"trailing_activation_price": a.TrailingActivationPrice,
	} {
		if v < 0 {
			return domain.Alert{}, domain.Validationf("%s must not be negative, got %g", name, v)
		}
	}
	return a, nil
}

// Fingerprint identifies an alert for de-duplication. Two deliveries of the
// same alert share a fingerprint; the secret is never part of it.
func Fingerprint(a domain.Alert) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%g|%g|%g|%g|%g|%g|%g|%g",
		a.Action, a.Instrument, a.PositionSizeUSD,
		a.StopLossPct, a.TakeProfitPct, a.TrailingActivationPct, a.TrailingDistancePct,
		a.StopPrice, a.TargetPrice, a.TrailingActivationPrice,
	)))
	return hex.EncodeToString(sum[:16])
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
