package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	mu        sync.Mutex
	closes    []string
	closeErr  error
	placed    []domain.OrderRequest
	priceByID map[string]float64
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	return domain.OrderResult{OrderID: "entry-1", Instrument: req.Instrument, Side: req.Side}, nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, instrument string, side domain.PositionSide, _ float64) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, instrument)
	if g.closeErr != nil {
		return domain.OrderResult{}, g.closeErr
	}
	return domain.OrderResult{OrderID: "close-1", Instrument: instrument, Side: side.CloseOrderSide()}, nil
}

func (g *fakeGateway) CurrentPrice(_ context.Context, instrument string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.priceByID[instrument]; ok {
		return p, nil
	}
	return 0, errors.New("no price")
}

func (g *fakeGateway) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.closes)
}

func (g *fakeGateway) setCloseErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeErr = err
}

type fakeFeed struct {
	mu           sync.Mutex
	ticks        chan domain.Tick
	subscribed   [][]string
	subscribeErr error
	disconnects  int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ticks: make(chan domain.Tick, 16)}
}

func (f *fakeFeed) Subscribe(_ context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, instruments)
	return f.subscribeErr
}

func (f *fakeFeed) Ticks() <-chan domain.Tick { return f.ticks }

func (f *fakeFeed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeFeed) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type memStore struct {
	mu      sync.Mutex
	data    map[string]domain.Position
	saves   int
	loadErr error
	saveErr error
}

func (s *memStore) Load(context.Context) (map[string]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]domain.Position, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, positions map[string]domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data = make(map[string]domain.Position, len(positions))
	for k, v := range positions {
		s.data[k] = v
	}
	return nil
}

func (s *memStore) snapshot() map[string]domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Position, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

type recordingJournal struct {
	mu     sync.Mutex
	closed []domain.Position
}

func (j *recordingJournal) Record(_ context.Context, p domain.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = append(j.closed, p)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (s *recordingSink) Emit(_ context.Context, ev domain.PositionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev.Type)
}

func longPosition(id, instrument string, entry float64) domain.Position {
	return domain.Position{
		ID:                      id,
		Instrument:              instrument,
		Side:                    domain.SideLong,
		Size:                    100 / entry,
		EntryPrice:              entry,
		CurrentPrice:            entry,
		StopLossPrice:           entry * (1 - 1.5/100),
		TakeProfitPrice:         entry * (1 + 1.5/100),
		TrailingActivationPrice: entry * (1 + 0.8/100),
		TrailingDistancePct:     0.75,
		Status:                  domain.StatusActive,
		OpenedAt:                time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
