package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medsched/medsched/internal/domain/directory"
)

// AppointmentRepository is the persistence boundary for appointments.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateIfStatus writes a's mutable fields guarded on the row still
	// holding the expected status. No matching row maps to ErrNotFound.
	UpdateIfStatus(ctx context.Context, a *Appointment, expect string) error
	// FindOverlapping returns held (unexpired) and scheduled rows for the
	// doctor whose window intersects [start, end), oldest first. Held rows
	// whose reservation expired at or before now are treated as absent.
	// excludeID, when non-nil, omits that row so a reschedule does not
	// collide with itself.
	FindOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time, excludeID *uuid.UUID) ([]*Appointment, error)
	// ConfirmHold promotes a held row to scheduled, clearing the
	// reservation fields. An expired hold fails with ErrReservationExpired;
	// an absent or already promoted row with ErrNotFound.
	ConfirmHold(ctx context.Context, id uuid.UUID, now time.Time) (*Appointment, error)
	// ReleaseHold deletes a held row. Releasing an absent or already
	// confirmed row is a no-op.
	ReleaseHold(ctx context.Context, id uuid.UUID) error
	// ReleaseExpiredAt clears an expired hold squatting on the exact
	// (doctor, start) slot so a fresh hold can take its place.
	ReleaseExpiredAt(ctx context.Context, doctorID uuid.UUID, start time.Time, now time.Time) error
	// ReleaseExpired deletes every expired hold, returning the released ids.
	ReleaseExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}

// OutboxEmitter records a lifecycle event for asynchronous notification
// delivery. Implementations join the ambient transaction so the event
// commits atomically with the appointment mutation.
type OutboxEmitter interface {
	Emit(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]interface{}) error
}

// PatientDirectory resolves patient ids for existence checks and supplies
// the contact snapshot embedded in notification payloads.
type PatientDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// DoctorDirectory resolves doctor ids.
type DoctorDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*directory.Doctor, error)
}

// TxRunner executes fn inside a database transaction. Production wiring
// binds db.WithTx to the pool; tests use a pass-through.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error
