package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "alertbridge"

// HealthHandler serves the service banner and the health check.
type HealthHandler struct {
	engine      PositionReader
	liveTrading bool
	version     string
	now         func() time.Time
	logger      *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(engine PositionReader, liveTrading bool, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		engine:      engine,
		liveTrading: liveTrading,
		version:     version,
		now:         time.Now,
		logger:      logHandler(logger, "health"),
	}
}

// Root identifies the service.
// GET /
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":         ServiceName,
		"status":          "running",
		"version":         h.version,
		"trading_enabled": h.liveTrading,
	})
}

// HealthCheck reports liveness together with the monitoring state.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"timestamp":        h.now().UTC().Format(time.RFC3339),
		"monitoring":       h.engine.Monitoring(),
		"active_positions": h.engine.Count(),
	})
}
