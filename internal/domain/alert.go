package domain

import "strings"

// Action is the instruction carried by an inbound alert.
type Action string

const (
	ActionLong      Action = "LONG"
	ActionShort     Action = "SHORT"
	ActionExitLong  Action = "EXIT_LONG"
	ActionExitShort Action = "EXIT_SHORT"
	ActionCloseAll  Action = "CLOSE_ALL"
)

// ParseAction accepts any case and surrounding whitespace.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionLong, ActionShort, ActionExitLong, ActionExitShort, ActionCloseAll:
		return a, nil
	default:
		return "", Validationf("unknown action %q", s)
	}
}

// Alert is a fully defaulted and bounds-checked inbound signal.
type Alert struct {
	Action                  Action
	Instrument              string
	PositionSizeUSD         float64
	StopLossPct             float64
	TakeProfitPct           float64
	TrailingActivationPct   float64
	TrailingDistancePct     float64
	Leverage                float64
	StopPrice               float64 // optional explicit levels, 0 when absent
	TargetPrice             float64
	TrailingActivationPrice float64
}
