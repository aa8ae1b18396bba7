package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/service"
)

// PositionCloser closes positions on request.
type PositionCloser interface {
	ClosePosition(ctx context.Context, id string) (domain.Position, error)
	CloseAll(ctx context.Context) (service.AlertResult, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionReader, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logHandler(logger, "position"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Count     int            `json:"count"`
	Positions []positionView `json:"positions"`
}

// ListPositions returns every open position, oldest first.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	views := viewsOf(h.positions.Positions())
	writeJSON(w, http.StatusOK, listPositionsResponse{Count: len(views), Positions: views})
}

// GetPosition returns one open position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Position(pathParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Position not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// closeResponse is the body of a successful manual close.
type closeResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	ExitReason string  `json:"exit_reason"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
}

// ClosePosition manually closes one position.
// POST /close/{id}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	closed, err := h.closer.ClosePosition(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Position not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{
		Success:    true,
		Message:    fmt.Sprintf("Position %s closed", id),
		ExitReason: string(closed.ExitReason),
		ExitPrice:  closed.CurrentPrice,
		PnL:        closed.PnL,
		PnLPct:     closed.PnLPct,
	})
}

// CloseAll manually closes every open position.
// POST /api/positions/close-all
func (h *PositionHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.closer.CloseAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close all incomplete",
			slog.Int("closed", len(res.PositionsClosed)),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), map[string]any{
			"success":          false,
			"error":            err.Error(),
			"positions_closed": res.PositionsClosed,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
