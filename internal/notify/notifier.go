// Package notify forwards position events to operators over Telegram and
// Discord. Events can be filtered by type so operators only hear about the
// phases they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify and
// NotifyEvent only forward events whose type is in the allowed set.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If events is empty, all event types are
// allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends a notification if the event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.allowed(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyEvent renders a position event and sends it if its type passes the
// filter.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.PositionEvent) error {
	title, message := FormatEvent(ev)
	return n.Notify(ctx, string(ev.Type), title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatEvent builds the title and body for a position event.
func FormatEvent(ev domain.PositionEvent) (title, message string) {
	p := ev.Position
	switch ev.Type {
	case domain.EventOpened:
		title = fmt.Sprintf("Opened %s %s", p.Side, p.Instrument)
		message = fmt.Sprintf("size %s @ %s\nstop %s  target %s  trail at %s",
			num(p.Size), num(p.EntryPrice), num(p.StopLossPrice), num(p.TakeProfitPrice), num(p.TrailingActivationPrice))
	case domain.EventTrailingArmed:
		title = fmt.Sprintf("Trailing armed %s %s", p.Side, p.Instrument)
		message = fmt.Sprintf("price %s  trailing stop %s (%s%%)",
			num(p.CurrentPrice), num(p.TrailingStopPrice), num(p.TrailingDistancePct))
	case domain.EventClosed:
		title = fmt.Sprintf("Closed %s %s", p.Side, p.Instrument)
		message = fmt.Sprintf("reason %s  exit %s  entry %s\npnl %s (%s%%)",
			p.ExitReason, num(p.CurrentPrice), num(p.EntryPrice), num(p.PnL), num(p.PnLPct))
	case domain.EventCloseFailed:
		title = fmt.Sprintf("Close FAILED %s %s", p.Side, p.Instrument)
		message = fmt.Sprintf("position %s still open at %s: %s", p.ID, num(p.CurrentPrice), ev.Error)
	default:
		title = fmt.Sprintf("%s %s", ev.Type, p.Instrument)
		message = p.ID
	}
	return title, message
}

func num(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
