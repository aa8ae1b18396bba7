package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// PositionReader is the read side of the position engine.
type PositionReader interface {
	Positions() []domain.Position
	Position(id string) (domain.Position, error)
	Count() int
	Monitoring() bool
}

// positionView is the API rendering of an open position. TrailingStop is
// null until trailing is armed.
type positionView struct {
	PositionID         string    `json:"position_id"`
	ProductID          string    `json:"product_id"`
	Side               string    `json:"side"`
	Size               float64   `json:"size"`
	EntryPrice         float64   `json:"entry_price"`
	CurrentPrice       float64   `json:"current_price"`
	PnL                float64   `json:"pnl"`
	PnLPct             float64   `json:"pnl_pct"`
	Status             string    `json:"status"`
	TrailingActive     bool      `json:"trailing_active"`
	StopLoss           float64   `json:"stop_loss"`
	TakeProfit         float64   `json:"take_profit"`
	TrailingActivation float64   `json:"trailing_activation"`
	TrailingStop       *float64  `json:"trailing_stop"`
	OpenedAt           time.Time `json:"opened_at"`
}

func viewOf(p domain.Position) positionView {
	v := positionView{
		PositionID:         p.ID,
		ProductID:          p.Instrument,
		Side:               string(p.Side),
		Size:               p.Size,
		EntryPrice:         p.EntryPrice,
		CurrentPrice:       p.CurrentPrice,
		PnL:                p.PnL,
		PnLPct:             p.PnLPct,
		Status:             string(p.Status),
		TrailingActive:     p.TrailingActive,
		StopLoss:           p.StopLossPrice,
		TakeProfit:         p.TakeProfitPrice,
		TrailingActivation: p.TrailingActivationPrice,
		OpenedAt:           p.OpenedAt,
	}
	if p.TrailingActive {
		ts := p.TrailingStopPrice
		v.TrailingStop = &ts
	}
	return v
}

func viewsOf(ps []domain.Position) []positionView {
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewOf(p))
	}
	return out
}

// StatusHandler serves the trading status snapshot.
type StatusHandler struct {
	engine       PositionReader
	liveTrading  bool
	maxPositions int
	logger       *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine PositionReader, liveTrading bool, maxPositions int, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		engine:       engine,
		liveTrading:  liveTrading,
		maxPositions: maxPositions,
		logger:       logHandler(logger, "status"),
	}
}

// GetStatus reports the execution mode, capacity and every open position.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Positions()
	writeJSON(w, http.StatusOK, map[string]any{
		"trading_enabled":  h.liveTrading,
		"monitoring":       h.engine.Monitoring(),
		"active_positions": len(positions),
		"max_positions":    h.maxPositions,
		"positions":        viewsOf(positions),
	})
}
