package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	mu       sync.Mutex
	prices   map[string]float64
	orders   []domain.OrderRequest
	closes   int
	orderErr error
	priceErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{prices: map[string]float64{"BTC-USD": 100, "ETH-USD": 2000}}
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return domain.OrderResult{}, g.orderErr
	}
	g.orders = append(g.orders, req)
	return domain.OrderResult{OrderID: "ord-1", ClientOrderID: req.ClientOrderID, Instrument: req.Instrument, Side: req.Side}, nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, instrument string, side domain.PositionSide, _ float64) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	return domain.OrderResult{OrderID: "close-1", Instrument: instrument, Side: side.CloseOrderSide()}, nil
}

func (g *fakeGateway) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return 0, g.priceErr
	}
	p, ok := g.prices[instrument]
	if !ok {
		return 0, errors.New("unknown product")
	}
	return p, nil
}

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

type nopFeed struct{ ticks chan domain.Tick }

func (f *nopFeed) Subscribe(context.Context, []string) error { return nil }
func (f *nopFeed) Ticks() <-chan domain.Tick               { return f.ticks }
func (f *nopFeed) Disconnect() error                        { return nil }

type memStore struct {
	mu   sync.Mutex
	data map[string]domain.Position
}

func (s *memStore) Load(context.Context) (map[string]domain.Position, error) {
	return map[string]domain.Position{}, nil
}

func (s *memStore) Save(_ context.Context, positions map[string]domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = positions
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *memBus) count(ch string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[ch])
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, int) ([]domain.AuditEntry, error) { return nil, nil }

func (a *memAudit) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type recordingHub struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (h *recordingHub) Broadcast(_ string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, data)
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type failingJournal struct{ err error }

func (j failingJournal) Record(context.Context, domain.Position) error { return j.err }

type countingJournal struct{ n int }

func (j *countingJournal) Record(context.Context, domain.Position) error {
	j.n++
	return nil
}
