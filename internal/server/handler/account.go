package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// AccountHandler exposes exchange balances and the audit log.
type AccountHandler struct {
	accounts domain.AccountReader
	audit    domain.AuditStore // nil when no audit backend is configured
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts domain.AccountReader, audit domain.AuditStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		audit:    audit,
		logger:   logHandler(logger, "account"),
	}
}

type balanceView struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Hold      float64 `json:"hold"`
}

// Balances lists the currency balances on the exchange account.
// GET /api/balances
func (h *AccountHandler) Balances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.accounts.Balances(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list balances", err)
		return
	}
	out := make([]balanceView, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceView{Currency: b.Currency, Available: b.Available, Hold: b.Hold})
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}

// Audit returns the most recent audit entries, newest first.
// GET /api/audit?limit=100
func (h *AccountHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), queryInt(r, "limit", 100, 1000))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
