package scheduling

import "errors"

// Sentinel errors returned by the scheduling service. Callers branch with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	// ErrNotFound covers missing appointments, patients and doctors.
	ErrNotFound = errors.New("scheduling: not found")

	// ErrSlotConflict means the requested window overlaps an active hold or
	// a scheduled appointment for the same doctor.
	ErrSlotConflict = errors.New("scheduling: time slot conflicts with an existing appointment")

	// ErrReservationExpired means a hold outlived its TTL before confirm.
	ErrReservationExpired = errors.New("scheduling: reservation hold has expired")

	// ErrInvalidTimeWindow covers past start times, out-of-range durations
	// and workflow transitions attempted before the slot has passed.
	ErrInvalidTimeWindow = errors.New("scheduling: invalid time window")

	// ErrCancellationWindowExpired means the appointment starts too soon to
	// cancel under the notice window.
	ErrCancellationWindowExpired = errors.New("scheduling: cancellation window has expired")

	// ErrNotCancellable guards all status transitions out of scheduled:
	// cancelling, rescheduling or closing out a row in any other status
	// fails with it.
	ErrNotCancellable = errors.New("scheduling: appointment is not in a modifiable status")
)
