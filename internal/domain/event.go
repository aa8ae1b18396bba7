package domain

import (
	"context"
	"time"
)

// EventType names a position lifecycle event.
type EventType string

const (
	EventOpened        EventType = "position_opened"
	EventTrailingArmed EventType = "trailing_armed"
	EventClosed        EventType = "position_closed"
	EventCloseFailed   EventType = "close_failed"
)

// PositionEvent is emitted by the engine whenever a position changes phase.
type PositionEvent struct {
	Type     EventType
	Position Position
	Error    string
	Time     time.Time
}

// EventSink receives position events. Implementations must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev PositionEvent)
}
