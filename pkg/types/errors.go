package types

import "errors"

// Heartbeat validation errors
var (
	// ErrEmptyEntity is returned when a heartbeat has no entity to report
	ErrEmptyEntity = errors.New("heartbeat entity is empty")

	// ErrInvalidTime is returned when a heartbeat timestamp is not positive
	ErrInvalidTime = errors.New("heartbeat time must be positive")

	// ErrInvalidPosition is returned when lineno, cursorpos or lines are out of range
	ErrInvalidPosition = errors.New("heartbeat cursor position out of range")
)
