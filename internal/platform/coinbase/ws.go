package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

const (
	// DefaultWSURL is the production Advanced Trade market data endpoint.
	DefaultWSURL = "wss://advanced-trade-ws.coinbase.com"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait bounds the silence tolerated on the read side. Heartbeats
	// arrive every second, so this only trips on a dead connection.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	channelTrades     = "market_trades"
	channelHeartbeats = "heartbeats"
)

// TradeHandler is called for every parsed trade, oldest first within a
// message.
type TradeHandler func(domain.Tick)

// WSClient is a market_trades WebSocket client. It owns the product set,
// restores it on reconnect and can be reconnected after Close.
type WSClient struct {
	wsURL  string
	auth   *JWTAuth
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{} // nil when closed
	products map[string]struct{}

	handlerMu sync.RWMutex
	handlers  []TradeHandler
}

// NewWSClient creates a client. auth may be nil; market_trades is public.
func NewWSClient(wsURL string, auth *JWTAuth, logger *slog.Logger) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL:    wsURL,
		auth:     auth,
		logger:   logger.With(slog.String("component", "coinbase_ws")),
		products: make(map[string]struct{}),
	}
}

// OnTrade registers a trade handler.
func (w *WSClient) OnTrade(h TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Connected reports whether a session is open.
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Connect opens a session. It is a no-op while one is already open.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return nil
	}
	if w.done == nil {
		w.done = make(chan struct{})
	}
	return w.dialLocked(ctx, w.done)
}

// SetProducts replaces the subscribed product set, sending unsubscribe for
// removed products and subscribe for added ones. Without an open session the
// set is only recorded and applied on the next Connect.
func (w *WSClient) SetProducts(ctx context.Context, products []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	want := make(map[string]struct{}, len(products))
	for _, p := range products {
		want[p] = struct{}{}
	}
	var added, removed []string
	for p := range want {
		if _, ok := w.products[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range w.products {
		if _, ok := want[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	w.products = want

	if w.conn == nil {
		return nil
	}
	if len(removed) > 0 {
		if err := w.sendLocked("unsubscribe", channelTrades, removed); err != nil {
			return fmt.Errorf("coinbase/ws: unsubscribe %v: %w", removed, err)
		}
	}
	if len(added) > 0 {
		if err := w.sendLocked("subscribe", channelTrades, added); err != nil {
			return fmt.Errorf("coinbase/ws: subscribe %v: %w", added, err)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		w.logger.InfoContext(ctx, "subscriptions updated",
			slog.Any("added", added),
			slog.Any("removed", removed),
		)
	}
	return nil
}

// Products returns the subscribed product set, sorted.
func (w *WSClient) Products() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedKeys(w.products)
}

// Close ends the session and stops reconnection. The product set is
// cleared. Safe to call twice.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done == nil {
		return nil
	}
	close(w.done)
	w.done = nil
	w.products = make(map[string]struct{})

	if w.conn == nil {
		return nil
	}
	conn := w.conn
	w.conn = nil
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return conn.Close()
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// dialLocked connects, starts the read and ping loops for this session and
// restores subscriptions. Caller must hold w.mu.
func (w *WSClient) dialLocked(ctx context.Context, done chan struct{}) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase/ws: connect: %w: %w", domain.ErrWSDisconnect, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	w.conn = conn

	if err := w.sendLocked("subscribe", channelHeartbeats, nil); err != nil {
		w.conn = nil
		conn.Close()
		return fmt.Errorf("coinbase/ws: subscribe heartbeats: %w", err)
	}
	if products := sortedKeys(w.products); len(products) > 0 {
		if err := w.sendLocked("subscribe", channelTrades, products); err != nil {
			w.conn = nil
			conn.Close()
			return fmt.Errorf("coinbase/ws: restore subscriptions: %w", err)
		}
	}

	go w.readLoop(conn, done)
	go w.pingLoop(conn, done)

	w.logger.InfoContext(ctx, "connected", slog.String("url", w.wsURL), slog.Int("products", len(w.products)))
	return nil
}

// sendLocked writes one command. Caller must hold w.mu.
func (w *WSClient) sendLocked(typ, channel string, products []string) error {
	cmd := WSCommand{Type: typ, Channel: channel, ProductIDs: products}
	if w.auth != nil {
		token, err := w.auth.WSToken()
		if err != nil {
			return err
		}
		cmd.JWT = token
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads until the connection fails. Unless the session was closed
// it then reconnects with backoff.
func (w *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			w.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
			w.detach(conn)
			w.reconnect(done)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		w.handleMessage(message)
	}
}

// detach forgets conn if it is still the current connection.
func (w *WSClient) detach(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == conn {
		w.conn = nil
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			current := w.conn == conn
			var err error
			if current {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			w.mu.Unlock()
			if !current || err != nil {
				return
			}
		}
	}
}

// reconnect re-establishes the session with exponential backoff. It returns
// once connected or when the session is closed.
func (w *WSClient) reconnect(done chan struct{}) {
	delay := reconnectDelay

	for {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		w.mu.Lock()
		if w.done != done {
			w.mu.Unlock()
			return
		}
		if w.conn != nil {
			w.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.dialLocked(ctx, done)
		cancel()
		w.mu.Unlock()

		if err == nil {
			return
		}
		w.logger.Warn("reconnect failed",
			slog.Duration("retry_in", min(delay*2, maxReconnectDelay)),
			slog.String("error", err.Error()),
		)

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// handleMessage parses one frame and dispatches its trades.
func (w *WSClient) handleMessage(raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		w.logger.Debug("dropping unparseable message", slog.String("error", err.Error()))
		return
	}

	switch {
	case msg.Type == "error":
		w.logger.Warn("feed error", slog.String("message", msg.Message))
		return
	case msg.Channel == channelHeartbeats, msg.Channel == "subscriptions":
		return
	case msg.Channel != channelTrades:
		return
	}

	var ticks []domain.Tick
	for _, ev := range msg.Events {
		for i := range ev.Trades {
			tick, err := ev.Trades[i].ToDomainTick()
			if err != nil {
				w.logger.Debug("dropping malformed trade", slog.String("error", err.Error()))
				continue
			}
			ticks = append(ticks, tick)
		}
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Time.Before(ticks[j].Time) })

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, t := range ticks {
		for _, h := range handlers {
			h(t)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
