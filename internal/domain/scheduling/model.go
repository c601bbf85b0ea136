package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. The set is closed; writes go through the transition
// table below.
const (
	StatusHeld        = "held"
	StatusScheduled   = "scheduled"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusNoShow      = "no_show"
	StatusRescheduled = "rescheduled"
)

// Lifecycle events emitted to the notification outbox.
const (
	EventBooked      = "booked"
	EventCancelled   = "cancelled"
	EventRescheduled = "rescheduled"
	EventReminder    = "reminder"
)

// Duration bounds in minutes for a single appointment.
const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 240
)

// Appointment maps to the appointments table. A row is born held with a
// reservation TTL and becomes scheduled on confirm; the reservation fields
// are cleared at that point. Per doctor, rows in held (unexpired) or
// scheduled status never overlap in [start_time, start_time+duration).
type Appointment struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	PatientID            uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID             uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	StartTime            time.Time  `db:"start_time" json:"start_time"`
	DurationMinutes      int        `db:"duration_minutes" json:"duration_minutes"`
	Status               string     `db:"status" json:"status"`
	Reason               *string    `db:"reason" json:"reason,omitempty"`
	Notes                *string    `db:"notes" json:"notes,omitempty"`
	IsReserved           bool       `db:"is_reserved" json:"is_reserved"`
	ReservationExpiresAt *time.Time `db:"reservation_expires_at" json:"reservation_expires_at,omitempty"`
	CancelledAt          *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason   *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	EventSeq             int        `db:"event_seq" json:"event_seq"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// EndTime returns the exclusive end of the appointment window.
func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// HoldExpired reports whether a held row's reservation window has passed.
// Always false for non-held rows.
func (a *Appointment) HoldExpired(now time.Time) bool {
	return a.Status == StatusHeld && a.ReservationExpiresAt != nil && !now.Before(*a.ReservationExpiresAt)
}

var validStatuses = map[string]bool{
	StatusHeld: true, StatusScheduled: true, StatusCompleted: true,
	StatusCancelled: true, StatusNoShow: true, StatusRescheduled: true,
}

// ValidStatus reports whether s belongs to the closed status set.
func ValidStatus(s string) bool {
	return validStatuses[s]
}

// validTransitions lists the allowed status moves. scheduled -> scheduled
// covers reschedule, which keeps a row's status. completed, cancelled and
// no_show are terminal; rescheduled only appears in rows imported from
// legacy stores and has no outgoing moves.
var validTransitions = map[string]map[string]bool{
	StatusHeld: {StatusScheduled: true},
	StatusScheduled: {
		StatusScheduled: true,
		StatusCompleted: true,
		StatusCancelled: true,
		StatusNoShow:    true,
	},
}

// CanTransition reports whether the status move from -> to is allowed.
func CanTransition(from, to string) bool {
	return validTransitions[from][to]
}
