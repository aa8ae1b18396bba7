// Package server exposes the webhook, the status endpoints and the event
// stream over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
	"github.com/alanyoungcy/alertbridge/internal/server/handler"
	"github.com/alanyoungcy/alertbridge/internal/server/middleware"
	"github.com/alanyoungcy/alertbridge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host               string
	Port               int
	CORSOrigins        []string
	APIKey             string // if empty, /api authentication is disabled
	RateLimitPerMinute int    // webhook requests per client IP, 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Account may be nil when no exchange account is configured.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Webhook   *handler.WebhookHandler
	Positions *handler.PositionHandler
	Account   *handler.AccountHandler
}

// Server is the HTTP + WebSocket front end.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()
	protect := middleware.Auth(cfg.APIKey)

	// Original routes; the webhook authenticates with its own secret.
	mux.HandleFunc("GET /{$}", handlers.Health.Root)
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /status", handlers.Status.GetStatus)
	webhook := middleware.RateLimit(limiter, "ratelimit:webhook", cfg.RateLimitPerMinute, time.Minute, logger)(
		http.HandlerFunc(handlers.Webhook.HandleWebhook))
	mux.Handle("POST /webhook", webhook)
	mux.Handle("POST /close/{id}", protect(http.HandlerFunc(handlers.Positions.ClosePosition)))

	// API behind the key.
	mux.Handle("GET /api/health", http.HandlerFunc(handlers.Health.HealthCheck))
	mux.Handle("GET /api/positions", protect(http.HandlerFunc(handlers.Positions.ListPositions)))
	mux.Handle("GET /api/positions/{id}", protect(http.HandlerFunc(handlers.Positions.GetPosition)))
	mux.Handle("POST /api/positions/close-all", protect(http.HandlerFunc(handlers.Positions.CloseAll)))
	if handlers.Account != nil {
		mux.Handle("GET /api/balances", protect(http.HandlerFunc(handlers.Account.Balances)))
		mux.Handle("GET /api/audit", protect(http.HandlerFunc(handlers.Account.Audit)))
	}

	if wsHub != nil {
		mux.Handle("GET /ws", protect(http.HandlerFunc(wsHub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Recover(logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr is the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
