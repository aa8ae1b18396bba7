package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/alertbridge/internal/crypto"
	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/service"
)

// SecretHeader carries the shared webhook secret in plain text.
const SecretHeader = "X-Webhook-Secret"

// AlertService is the trading surface the webhook drives.
type AlertService interface {
	Defaults() service.AlertDefaults
	HandleAlert(ctx context.Context, a domain.Alert) (service.AlertResult, error)
}

// WebhookHandler accepts alerts from charting and alerting tools.
type WebhookHandler struct {
	alerts AlertService
	secret string // empty disables authentication
	logger *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(alerts AlertService, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		alerts: alerts,
		secret: secret,
		logger: logHandler(logger, "webhook"),
	}
}

// HandleWebhook authenticates, parses and dispatches one alert.
// POST /webhook
//
// Authentication, when a secret is configured, accepts the HMAC signature
// header, then the secret header, the secret query parameter or the secret
// body field.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "read webhook", err)
		return
	}

	signature := r.Header.Get(crypto.SignatureHeader)
	if h.secret != "" && signature != "" && !crypto.VerifyBody(h.secret, body, signature) {
		h.reject(w, r, "bad signature")
		return
	}

	var req service.AlertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if h.secret != "" && signature == "" && !h.secretMatches(r, req.Secret) {
		h.reject(w, r, "bad secret")
		return
	}

	alert, err := service.ParseAlert(req, h.alerts.Defaults())
	if err != nil {
		writeServiceError(w, r, h.logger, "parse alert", err)
		return
	}

	res, err := h.alerts.HandleAlert(r.Context(), alert)
	if err != nil {
		writeServiceError(w, r, h.logger, "handle alert", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) secretMatches(r *http.Request, bodySecret string) bool {
	for _, candidate := range []string{r.Header.Get(SecretHeader), r.URL.Query().Get("secret"), bodySecret} {
		if crypto.EqualSecret(h.secret, candidate) {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, reason string) {
	h.logger.WarnContext(r.Context(), "handler: webhook rejected",
		slog.String("reason", reason),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeError(w, http.StatusUnauthorized, "Invalid webhook secret")
}
