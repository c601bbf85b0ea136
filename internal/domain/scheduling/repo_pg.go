package scheduling

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

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, start_time, duration_minutes, status,
	reason, notes, is_reserved, reservation_expires_at, cancelled_at, cancellation_reason,
	event_seq, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartTime, &a.DurationMinutes, &a.Status,
		&a.Reason, &a.Notes, &a.IsReserved, &a.ReservationExpiresAt, &a.CancelledAt, &a.CancellationReason,
		&a.EventSeq, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts the row and reads the database-assigned timestamps back;
// created_at orders competing holds. A violation of the partial unique
// index on (doctor_id, start_time) maps to ErrSlotConflict.
func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, start_time, duration_minutes, status,
			reason, notes, is_reserved, reservation_expires_at, event_seq)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.StartTime, a.DurationMinutes, a.Status,
		a.Reason, a.Notes, a.IsReserved, a.ReservationExpiresAt, a.EventSeq).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrSlotConflict
	}
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) UpdateIfStatus(ctx context.Context, a *Appointment, expect string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET start_time=$2, duration_minutes=$3, status=$4, reason=$5, notes=$6,
			cancelled_at=$7, cancellation_reason=$8, event_seq=$9, updated_at=NOW()
		WHERE id = $1 AND status = $10`,
		a.ID, a.StartTime, a.DurationMinutes, a.Status, a.Reason, a.Notes,
		a.CancelledAt, a.CancellationReason, a.EventSeq, expect)
	if db.IsUniqueViolation(err) {
		return ErrSlotConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) FindOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time, excludeID *uuid.UUID) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('held','scheduled')
		  AND (status != 'held' OR reservation_expires_at > $2)
		  AND start_time < $3
		  AND start_time + make_interval(mins => duration_minutes) > $4`
	args := []interface{}{doctorID, now, end, start}
	if excludeID != nil {
		query += ` AND id != $5`
		args = append(args, *excludeID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ConfirmHold(ctx context.Context, id uuid.UUID, now time.Time) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = 'scheduled', is_reserved = false, reservation_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'held' AND reservation_expires_at > $2
		RETURNING `+apptCols, id, now))
	if errors.Is(err, ErrNotFound) {
		return nil, r.confirmFailure(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// confirmFailure works out why a confirm matched no rows: the hold either
// expired, was swept away, or never existed.
func (r *appointmentRepoPG) confirmFailure(ctx context.Context, id uuid.UUID) error {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == StatusHeld {
		return ErrReservationExpired
	}
	return fmt.Errorf("%w: no hold with id %s", ErrNotFound, id)
}

func (r *appointmentRepoPG) ReleaseHold(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM appointments WHERE id = $1 AND status = 'held'`, id)
	return err
}

func (r *appointmentRepoPG) ReleaseExpiredAt(ctx context.Context, doctorID uuid.UUID, start time.Time, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM appointments
		WHERE doctor_id = $1 AND start_time = $2 AND status = 'held' AND reservation_expires_at <= $3`,
		doctorID, start, now)
	return err
}

func (r *appointmentRepoPG) ReleaseExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		DELETE FROM appointments
		WHERE status = 'held' AND reservation_expires_at <= $1
		RETURNING id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `patient_id`, patientID, limit, offset)
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, `doctor_id`, doctorID, limit, offset)
}

func (r *appointmentRepoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE `+column+` = $1 ORDER BY start_time DESC LIMIT $2 OFFSET $3`,
		id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
