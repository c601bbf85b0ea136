package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxRepository stores lifecycle events until the dispatcher fans them
// out. Emit satisfies scheduling.OutboxEmitter so the scheduling service
// writes events through the same interface.
type OutboxRepository interface {
	// Emit appends a pending event, joining the ambient transaction so the
	// event commits atomically with the appointment mutation.
	Emit(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]interface{}) error
	// ClaimPending locks up to limit pending events, oldest first, and
	// marks them processing. Claimed rows are invisible to concurrent
	// dispatchers for the duration of the surrounding transaction.
	ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// ReminderCandidates returns scheduled appointments starting inside
	// (from, until] that have no reminder event for their current
	// event_seq yet.
	ReminderCandidates(ctx context.Context, from, until time.Time) ([]*ReminderCandidate, error)
}

// AttemptRepository is the persistence boundary for delivery attempts.
type AttemptRepository interface {
	// Upsert inserts the attempt unless one already exists for the same
	// (appointment, event, seq, channel, recipient) key. Reports whether a
	// row was inserted; a duplicate is not an error.
	Upsert(ctx context.Context, a *Attempt) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Attempt, error)
	// Due returns pending attempts whose next_attempt_at has passed,
	// soonest first, locked against concurrent dispatchers.
	Due(ctx context.Context, now time.Time, limit int) ([]*Attempt, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// ScheduleRetry records a failed send and the time of the next try.
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, sendErr string) error
	// MarkFailed retires the attempt after its retry budget is spent.
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	// MarkDelivered records a delivery receipt for a sent attempt. A
	// receipt for an attempt in any other status is ErrInvalidTransition.
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkRead records a read receipt for a delivered attempt.
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Attempt, error)
}

// TxRunner executes fn inside a database transaction. The dispatcher uses
// it to hold claimed rows locked across a delivery pass.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error
