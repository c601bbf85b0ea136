package notification

import "errors"

var (
	// ErrNotFound is returned when a notification attempt does not exist.
	ErrNotFound = errors.New("notification: not found")

	// ErrInvalidTransition is returned when a delivery receipt arrives for
	// an attempt whose status cannot move forward to the reported state.
	ErrInvalidTransition = errors.New("notification: invalid status transition")

	// ErrSendFailure wraps transport errors recorded on failed attempts.
	ErrSendFailure = errors.New("notification: send failure")
)
