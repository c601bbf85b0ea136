package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsched/medsched/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Events claimed more often than this are left alone for an operator to
// inspect instead of being retried forever.
const maxOutboxClaims = 5

type outboxRepoPG struct{ pool *pgxpool.Pool }

func NewOutboxRepoPG(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepoPG{pool: pool}
}

func (r *outboxRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const outboxCols = `id, appointment_id, event_type, payload, status, attempts, last_error, created_at, dispatched_at`

func scanOutboxEvent(row pgx.Row) (*OutboxEvent, error) {
	var ev OutboxEvent
	err := row.Scan(&ev.ID, &ev.AppointmentID, &ev.EventType, &ev.Payload, &ev.Status,
		&ev.Attempts, &ev.LastError, &ev.CreatedAt, &ev.DispatchedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *outboxRepoPG) Emit(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification_outbox (id, appointment_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, 'pending')`,
		uuid.New(), appointmentID, eventType, payload)
	return err
}

// ClaimPending flips up to limit pending events to processing and returns
// them, oldest first. SKIP LOCKED lets concurrent dispatchers claim
// disjoint batches without blocking each other.
func (r *outboxRepoPG) ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE notification_outbox
		SET status = 'processing', attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = 'pending' AND attempts < $2
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxCols,
		limit, maxOutboxClaims)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *outboxRepoPG) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'dispatched', dispatched_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (r *outboxRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'failed', last_error = $2
		WHERE id = $1`, id, reason)
	return err
}

// ReminderCandidates joins scheduled appointments inside the window with
// both parties. The NOT EXISTS clause matches the partial unique index on
// reminder events, keyed by the appointment's current event_seq so a
// reschedule earns a fresh reminder.
func (r *outboxRepoPG) ReminderCandidates(ctx context.Context, from, until time.Time) ([]*ReminderCandidate, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.start_time, a.duration_minutes, a.event_seq, a.reason,
			p.id, p.first_name, p.last_name, p.email, p.phone, p.push_token,
			d.id, d.first_name, d.last_name, d.specialty, d.email
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		JOIN doctors d ON d.id = a.doctor_id
		WHERE a.status = 'scheduled'
			AND a.start_time > $1 AND a.start_time <= $2
			AND NOT EXISTS (
				SELECT 1 FROM notification_outbox o
				WHERE o.appointment_id = a.id
					AND o.event_type = 'reminder'
					AND (o.payload->>'event_seq')::int = a.event_seq
			)
		ORDER BY a.start_time`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReminderCandidate
	for rows.Next() {
		var c ReminderCandidate
		err := rows.Scan(&c.AppointmentID, &c.StartTime, &c.DurationMinutes, &c.EventSeq, &c.Reason,
			&c.Patient.ID, &c.Patient.FirstName, &c.Patient.LastName, &c.Patient.Email, &c.Patient.Phone, &c.Patient.PushToken,
			&c.Doctor.ID, &c.Doctor.FirstName, &c.Doctor.LastName, &c.Doctor.Specialty, &c.Doctor.Email)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

type attemptRepoPG struct{ pool *pgxpool.Pool }

func NewAttemptRepoPG(pool *pgxpool.Pool) AttemptRepository {
	return &attemptRepoPG{pool: pool}
}

func (r *attemptRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const attemptCols = `id, appointment_id, event_type, event_seq, channel, recipient, subject, body,
	status, retry_count, max_retries, last_error, next_attempt_at, sent_at, delivered_at, read_at,
	created_at, updated_at`

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	err := row.Scan(&a.ID, &a.AppointmentID, &a.EventType, &a.EventSeq, &a.Channel, &a.Recipient,
		&a.Subject, &a.Body, &a.Status, &a.RetryCount, &a.MaxRetries, &a.LastError,
		&a.NextAttemptAt, &a.SentAt, &a.DeliveredAt, &a.ReadAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert relies on the unique key over (appointment_id, event_type,
// event_seq, channel, recipient): a re-dispatched event lands on DO
// NOTHING instead of creating a duplicate attempt.
func (r *attemptRepoPG) Upsert(ctx context.Context, a *Attempt) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification_attempts (id, appointment_id, event_type, event_seq, channel,
			recipient, subject, body, status, max_retries, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (appointment_id, event_type, event_seq, channel, recipient) DO NOTHING`,
		a.ID, a.AppointmentID, a.EventType, a.EventSeq, a.Channel,
		a.Recipient, a.Subject, a.Body, a.Status, a.MaxRetries, a.NextAttemptAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *attemptRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	return scanAttempt(r.conn(ctx).QueryRow(ctx,
		`SELECT `+attemptCols+` FROM notification_attempts WHERE id = $1`, id))
}

func (r *attemptRepoPG) Due(ctx context.Context, now time.Time, limit int) ([]*Attempt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+attemptCols+`
		FROM notification_attempts
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *attemptRepoPG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_attempts
		SET status = 'sent', sent_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attemptRepoPG) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, sendErr string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_attempts
		SET retry_count = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, retryCount, nextAt, sendErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attemptRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_attempts
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, sendErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attemptRepoPG) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_attempts
		SET status = 'delivered', delivered_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sent'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.receiptFailure(ctx, id)
	}
	return nil
}

func (r *attemptRepoPG) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_attempts
		SET read_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'delivered'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.receiptFailure(ctx, id)
	}
	return nil
}

// receiptFailure works out why a receipt update matched nothing.
func (r *attemptRepoPG) receiptFailure(ctx context.Context, id uuid.UUID) error {
	a, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: attempt is %s", ErrInvalidTransition, a.Status)
}

func (r *attemptRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Attempt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+attemptCols+`
		FROM notification_attempts
		WHERE appointment_id = $1
		ORDER BY created_at, channel`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
