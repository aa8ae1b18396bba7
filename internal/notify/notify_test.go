package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func closedEvent() domain.PositionEvent {
	return domain.PositionEvent{
		Type: domain.EventClosed,
		Position: domain.Position{
			ID: "p1", Instrument: "BTC-USD", Side: domain.SideLong,
			EntryPrice: 100, CurrentPrice: 101.5, PnL: 1.5, PnLPct: 1.5,
			ExitReason: domain.ExitTakeProfit, Status: domain.StatusClosed,
		},
		Time: time.Now(),
	}
}

func TestNotifyEventFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"position_closed", " "}, testLogger())

	require.NoError(t, n.NotifyEvent(context.Background(), closedEvent()))
	opened := closedEvent()
	opened.Type = domain.EventOpened
	require.NoError(t, n.NotifyEvent(context.Background(), opened))

	assert.Equal(t, []string{"Closed LONG BTC-USD"}, s.titles)
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, testLogger())
	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, s.titles, 1)
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, testLogger()).Enabled())
}

func TestDispatchContinuesPastFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestFormatEvent(t *testing.T) {
	title, msg := FormatEvent(closedEvent())
	assert.Equal(t, "Closed LONG BTC-USD", title)
	assert.Contains(t, msg, "reason TAKE_PROFIT")
	assert.Contains(t, msg, "pnl 1.5 (1.5%)")

	failed := closedEvent()
	failed.Type = domain.EventCloseFailed
	failed.Error = "gateway down"
	title, msg = FormatEvent(failed)
	assert.Equal(t, "Close FAILED LONG BTC-USD", title)
	assert.Contains(t, msg, "gateway down")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Closed <x>", "STOP_LOSS"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Closed &lt;x&gt;</b>\nSTOP_LOSS", got["text"])
}

func TestTelegramSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad chat", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestDiscordSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Close FAILED LONG BTC-USD", "gateway down"))
	embeds, ok := got["embeds"].([]any)
	require.True(t, ok)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, "Close FAILED LONG BTC-USD", embed["title"])
	assert.Equal(t, "gateway down", embed["description"])
	assert.EqualValues(t, 0xE74C3C, embed["color"])
	assert.Equal(t, map[string]any{"parse": []any{}}, got["allowed_mentions"])
	assert.Equal(t, "discord", NewDiscordSender(srv.URL).Name())
}

func TestDiscordSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: rate limited, retry after 3s")
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab…", truncateRunes("abcd", 3))
	assert.Equal(t, "éé…", truncateRunes("éééé", 3))
}
