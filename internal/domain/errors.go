package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrValidation     = errors.New("validation failed")
	ErrCapacity       = errors.New("max positions reached")
	ErrInstrumentHeld = errors.New("position already open for instrument")
	ErrPositionClosed = errors.New("position already closed")
	ErrGateway        = errors.New("order gateway error")
	ErrFeed           = errors.New("price feed error")
	ErrPersistence    = errors.New("persistence error")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
)

// PositionError tags a failure with the position and operation it occurred in.
type PositionError struct {
	ID         string
	Instrument string
	Op         string
	Err        error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position %s (%s): %s: %v", e.ID, e.Instrument, e.Op, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }

// Validationf builds an error that matches ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
