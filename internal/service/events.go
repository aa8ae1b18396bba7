package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

const (
	// PositionsChannel carries position events on the bus and the /ws hub.
	PositionsChannel = "positions"
	// PositionsStream keeps the event history.
	PositionsStream = "positions:history"

	defaultFanoutBuffer = 256
	deliverTimeout      = 10 * time.Second
)

// EventMessage is the JSON form of a position event.
type EventMessage struct {
	Event    string                `json:"event"`
	Time     time.Time             `json:"time"`
	Error    string                `json:"error,omitempty"`
	Position domain.PositionRecord `json:"position"`
}

// EncodeEvent renders ev for the bus and WebSocket clients.
func EncodeEvent(ev domain.PositionEvent) ([]byte, error) {
	return json.Marshal(EventMessage{
		Event:    string(ev.Type),
		Time:     ev.Time,
		Error:    ev.Error,
		Position: ev.Position.ToRecord(),
	})
}

// EventNotifier forwards events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.PositionEvent) error
}

// Broadcaster pushes a payload to live subscribers of a channel.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// FanoutOption configures an EventFanout.
type FanoutOption func(*EventFanout)

// WithBus publishes every event and appends it to the history stream.
func WithBus(bus domain.SignalBus) FanoutOption {
	return func(f *EventFanout) { f.bus = bus }
}

// WithAudit writes every event to the audit log.
func WithAudit(audit domain.AuditStore) FanoutOption {
	return func(f *EventFanout) { f.audit = audit }
}

// WithNotifier sends every event to the notifier, which applies its own
// filter.
func WithNotifier(n EventNotifier) FanoutOption {
	return func(f *EventFanout) { f.notifier = n }
}

// WithBroadcaster pushes events straight to the hub. Use it when no bus is
// configured; with a bus the hub consumes the bus channel instead.
func WithBroadcaster(b Broadcaster) FanoutOption {
	return func(f *EventFanout) { f.hub = b }
}

// WithBuffer sets the queue capacity.
func WithBuffer(n int) FanoutOption {
	return func(f *EventFanout) {
		if n > 0 {
			f.queue = make(chan domain.PositionEvent, n)
		}
	}
}

// EventFanout implements domain.EventSink. Emit only enqueues, because the
// engine emits while holding its lock; Run delivers to the side channels.
type EventFanout struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier EventNotifier
	hub      Broadcaster
	queue    chan domain.PositionEvent
	logger   *slog.Logger

	dropped atomic.Uint64
}

// NewEventFanout creates a fanout; call Run to start delivery.
func NewEventFanout(logger *slog.Logger, opts ...FanoutOption) *EventFanout {
	f := &EventFanout{
		queue:  make(chan domain.PositionEvent, defaultFanoutBuffer),
		logger: logger.With(slog.String("component", "event_fanout")),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Emit enqueues ev without blocking. Events beyond the buffer are dropped
// and counted.
func (f *EventFanout) Emit(_ context.Context, ev domain.PositionEvent) {
	select {
	case f.queue <- ev:
	default:
		n := f.dropped.Add(1)
		f.logger.Warn("event queue full, dropping event",
			slog.String("event", string(ev.Type)),
			slog.String("position_id", ev.Position.ID),
			slog.Uint64("dropped_total", n),
		)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (f *EventFanout) Dropped() uint64 { return f.dropped.Load() }

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (f *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-f.queue:
					f.deliver(context.WithoutCancel(ctx), ev)
				default:
					return ctx.Err()
				}
			}
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		}
	}
}

func (f *EventFanout) deliver(ctx context.Context, ev domain.PositionEvent) {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	payload, err := EncodeEvent(ev)
	if err != nil {
		f.logger.ErrorContext(ctx, "encode event failed", slog.String("error", err.Error()))
		return
	}

	var errs []error
	if f.bus != nil {
		if err := f.bus.Publish(ctx, PositionsChannel, payload); err != nil {
			errs = append(errs, err)
		}
		if err := f.bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if f.hub != nil {
		f.hub.Broadcast(PositionsChannel, payload)
	}
	if f.audit != nil {
		if err := f.audit.Log(ctx, string(ev.Type), auditDetail(ev)); err != nil {
			errs = append(errs, err)
		}
	}
	if f.notifier != nil {
		if err := f.notifier.NotifyEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		f.logger.WarnContext(ctx, "event delivery incomplete",
			slog.String("event", string(ev.Type)),
			slog.String("position_id", ev.Position.ID),
			slog.String("error", err.Error()),
		)
	}
}

func auditDetail(ev domain.PositionEvent) map[string]any {
	p := ev.Position
	d := map[string]any{
		"position_id":         p.ID,
		"product_id":          p.Instrument,
		"side":                string(p.Side),
		"size":                p.Size,
		"entry_price":         p.EntryPrice,
		"price":               p.CurrentPrice,
		"status":              string(p.Status),
		"pnl":                 p.PnL,
		"pnl_pct":             p.PnLPct,
		"trailing_active":     p.TrailingActive,
		"trailing_stop_price": p.TrailingStopPrice,
		"event_time":          ev.Time,
	}
	if p.ExitReason != "" {
		d["exit_reason"] = string(p.ExitReason)
	}
	if ev.Error != "" {
		d["error"] = ev.Error
	}
	return d
}

// MultiJournal records a closed position in every journal. All journals are
// attempted; failures are joined.
type MultiJournal []domain.TradeJournal

// Record implements domain.TradeJournal.
func (m MultiJournal) Record(ctx context.Context, p domain.Position) error {
	var errs []error
	for _, j := range m {
		if err := j.Record(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.EventSink    = (*EventFanout)(nil)
	_ domain.TradeJournal = MultiJournal(nil)
)
