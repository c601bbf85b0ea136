package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medsched/medsched/internal/clock"
	"github.com/medsched/medsched/internal/domain/directory"
	"github.com/medsched/medsched/internal/platform/audit"
	"github.com/medsched/medsched/internal/platform/auth"
	"github.com/medsched/medsched/internal/platform/lock"
)

// Service orchestrates booking, cancellation and rescheduling. Conflict
// detection runs twice per booking (before and after the hold) and the
// database uniqueness constraint has the final word.
type Service struct {
	repo     AppointmentRepository
	patients PatientDirectory
	doctors  DoctorDirectory
	outbox   OutboxEmitter
	reserver *ReservationManager
	locker   lock.SlotLocker
	clk      clock.Clock
	rec      audit.Recorder
	log      zerolog.Logger
	tx       TxRunner

	holdTTL      time.Duration
	cancelNotice time.Duration
}

// Options carries service tunables and optional collaborators. Zero values
// fall back to production defaults.
type Options struct {
	HoldTTL      time.Duration
	CancelNotice time.Duration
	Locker       lock.SlotLocker
	Clock        clock.Clock
	Audit        audit.Recorder
	Logger       zerolog.Logger
	Tx           TxRunner
}

func NewService(repo AppointmentRepository, patients PatientDirectory, doctors DoctorDirectory, outbox OutboxEmitter, opts Options) *Service {
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = 5 * time.Minute
	}
	if opts.CancelNotice <= 0 {
		opts.CancelNotice = 24 * time.Hour
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewNoopLocker()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopRecorder()
	}
	if opts.Tx == nil {
		opts.Tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		repo:         repo,
		patients:     patients,
		doctors:      doctors,
		outbox:       outbox,
		reserver:     NewReservationManager(repo, opts.Clock),
		locker:       opts.Locker,
		clk:          opts.Clock,
		rec:          opts.Audit,
		log:          opts.Logger,
		tx:           opts.Tx,
		holdTTL:      opts.HoldTTL,
		cancelNotice: opts.CancelNotice,
	}
}

// BookAppointment reserves the slot with a TTL hold, re-checks for
// conflicts once the hold is visible to competitors, then confirms the hold
// and emits the booked event in one transaction.
func (s *Service) BookAppointment(ctx context.Context, patientID, doctorID uuid.UUID, startTime time.Time, durationMinutes int, reason, notes *string) (*Appointment, error) {
	if err := validateWindow(s.clk.Now(), startTime, durationMinutes); err != nil {
		return nil, err
	}
	patient, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
		}
		return nil, err
	}
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("doctor %s: %w", doctorID, ErrNotFound)
		}
		return nil, err
	}

	var booked *Appointment
	err = s.locker.WithSlotLock(ctx, doctorID, startTime, func(ctx context.Context) error {
		var err error
		booked, err = s.book(ctx, patient, doctor, startTime, durationMinutes, reason, notes)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		// another request is mid-flight on this exact slot
		return nil, ErrSlotConflict
	}
	if err != nil {
		return nil, err
	}
	return booked, nil
}

func (s *Service) book(ctx context.Context, patient *directory.Patient, doctor *directory.Doctor, startTime time.Time, durationMinutes int, reason, notes *string) (*Appointment, error) {
	end := startTime.Add(time.Duration(durationMinutes) * time.Minute)

	overlapping, err := s.repo.FindOverlapping(ctx, doctor.ID, startTime, end, s.clk.Now(), nil)
	if err != nil {
		return nil, err
	}
	if len(overlapping) > 0 {
		return nil, ErrSlotConflict
	}

	hold, err := s.reserver.Hold(ctx, patient.ID, doctor.ID, startTime, durationMinutes, s.holdTTL, reason, notes)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: "hold", EntityType: "appointment", EntityID: hold.ID, After: hold})

	// Second look now that the hold is visible to competitors. Scheduled
	// rows and earlier holds win; this hold backs off.
	overlapping, err = s.repo.FindOverlapping(ctx, doctor.ID, startTime, end, s.clk.Now(), &hold.ID)
	if err != nil {
		s.releaseHold(ctx, hold)
		return nil, err
	}
	for _, other := range overlapping {
		if blocksHold(other, hold) {
			s.releaseHold(ctx, hold)
			return nil, ErrSlotConflict
		}
	}

	var confirmed *Appointment
	err = s.tx(ctx, func(txCtx context.Context) error {
		var err error
		confirmed, err = s.reserver.Confirm(txCtx, hold.ID)
		if err != nil {
			return err
		}
		return s.outbox.Emit(txCtx, confirmed.ID, EventBooked, EventPayload(confirmed, patient, doctor))
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: "confirm", EntityType: "appointment", EntityID: confirmed.ID, Before: hold, After: confirmed})
	s.log.Info().
		Str("appointment_id", confirmed.ID.String()).
		Str("doctor_id", doctor.ID.String()).
		Time("start_time", confirmed.StartTime).
		Msg("appointment booked")
	return confirmed, nil
}

// CancelAppointment cancels a scheduled appointment, requiring at least the
// notice window between now and its start.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, a.Status)
	}
	now := s.clk.Now()
	if a.StartTime.Sub(now) < s.cancelNotice {
		return nil, fmt.Errorf("%w: requires %s notice before start", ErrCancellationWindowExpired, s.cancelNotice)
	}
	patient, doctor, err := s.parties(ctx, a)
	if err != nil {
		return nil, err
	}

	before := *a
	a.Status = StatusCancelled
	a.CancelledAt = &now
	if reason != "" {
		a.CancellationReason = &reason
	}
	err = s.tx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpdateIfStatus(txCtx, a, StatusScheduled); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: appointment changed concurrently", ErrNotCancellable)
			}
			return err
		}
		payload := EventPayload(a, patient, doctor)
		if a.CancellationReason != nil {
			payload["cancellation_reason"] = *a.CancellationReason
		}
		return s.outbox.Emit(txCtx, a.ID, EventCancelled, payload)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: "cancel", EntityType: "appointment", EntityID: a.ID, Before: &before, After: a})
	s.log.Info().Str("appointment_id", a.ID.String()).Msg("appointment cancelled")
	return a, nil
}

// RescheduleAppointment moves a scheduled appointment to a new start time,
// keeping its duration. A conflict at the new window leaves the original
// untouched.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, newStart time.Time, reason string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, a.Status)
	}
	if err := validateWindow(s.clk.Now(), newStart, a.DurationMinutes); err != nil {
		return nil, err
	}
	patient, doctor, err := s.parties(ctx, a)
	if err != nil {
		return nil, err
	}

	var moved *Appointment
	err = s.locker.WithSlotLock(ctx, a.DoctorID, newStart, func(ctx context.Context) error {
		var err error
		moved, err = s.reschedule(ctx, a, patient, doctor, newStart, reason)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, ErrSlotConflict
	}
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (s *Service) reschedule(ctx context.Context, a *Appointment, patient *directory.Patient, doctor *directory.Doctor, newStart time.Time, reason string) (*Appointment, error) {
	end := newStart.Add(time.Duration(a.DurationMinutes) * time.Minute)
	overlapping, err := s.repo.FindOverlapping(ctx, a.DoctorID, newStart, end, s.clk.Now(), &a.ID)
	if err != nil {
		return nil, err
	}
	if len(overlapping) > 0 {
		return nil, ErrSlotConflict
	}

	before := *a
	oldStart := a.StartTime
	a.StartTime = newStart
	a.EventSeq++
	err = s.tx(ctx, func(txCtx context.Context) error {
		if err := s.repo.UpdateIfStatus(txCtx, a, StatusScheduled); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: appointment changed concurrently", ErrNotCancellable)
			}
			return err
		}
		payload := EventPayload(a, patient, doctor)
		payload["status"] = StatusRescheduled
		payload["old_start_time"] = oldStart.UTC().Format(time.RFC3339)
		payload["new_start_time"] = newStart.UTC().Format(time.RFC3339)
		if reason != "" {
			payload["reschedule_reason"] = reason
		}
		return s.outbox.Emit(txCtx, a.ID, EventRescheduled, payload)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Action: "reschedule", EntityType: "appointment", EntityID: a.ID, Before: &before, After: a})
	s.log.Info().
		Str("appointment_id", a.ID.String()).
		Time("old_start_time", oldStart).
		Time("new_start_time", newStart).
		Msg("appointment rescheduled")
	return a, nil
}

// MarkCompleted closes out a scheduled appointment after its slot has passed.
func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.closeOut(ctx, id, StatusCompleted, "complete")
}

// MarkNoShow records that the patient did not attend.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.closeOut(ctx, id, StatusNoShow, "no_show")
}

func (s *Service) closeOut(ctx context.Context, id uuid.UUID, status, action string) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancellable, a.Status)
	}
	if s.clk.Now().Before(a.EndTime()) {
		return nil, fmt.Errorf("%w: appointment has not finished yet", ErrInvalidTimeWindow)
	}
	before := *a
	a.Status = status
	if err := s.repo.UpdateIfStatus(ctx, a, StatusScheduled); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: appointment changed concurrently", ErrNotCancellable)
		}
		return nil, err
	}
	s.record(ctx, audit.Event{Action: action, EntityType: "appointment", EntityID: a.ID, Before: &before, After: a})
	return a, nil
}

// IsTimeSlotAvailable answers whether the window is free of active holds
// and scheduled appointments for the doctor.
func (s *Service) IsTimeSlotAvailable(ctx context.Context, doctorID uuid.UUID, startTime time.Time, durationMinutes int) (bool, error) {
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return false, fmt.Errorf("%w: duration must be between %d and %d minutes", ErrInvalidTimeWindow, MinDurationMinutes, MaxDurationMinutes)
	}
	end := startTime.Add(time.Duration(durationMinutes) * time.Minute)
	overlapping, err := s.repo.FindOverlapping(ctx, doctorID, startTime, end, s.clk.Now(), nil)
	if err != nil {
		return false, err
	}
	return len(overlapping) == 0, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) GetDoctorAppointments(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func (s *Service) releaseHold(ctx context.Context, hold *Appointment) {
	if err := s.reserver.Release(ctx, hold.ID); err != nil {
		s.log.Error().Err(err).Str("hold_id", hold.ID.String()).Msg("release hold failed")
		return
	}
	s.record(ctx, audit.Event{Action: "release", EntityType: "appointment", EntityID: hold.ID, Before: hold})
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if e.Actor == "" {
		e.Actor = actorFrom(ctx)
	}
	if e.At.IsZero() {
		e.At = s.clk.Now()
	}
	s.rec.Record(ctx, e)
}

func (s *Service) parties(ctx context.Context, a *Appointment) (*directory.Patient, *directory.Doctor, error) {
	patient, err := s.patients.GetByID(ctx, a.PatientID)
	if err != nil {
		return nil, nil, fmt.Errorf("load patient: %w", err)
	}
	doctor, err := s.doctors.GetByID(ctx, a.DoctorID)
	if err != nil {
		return nil, nil, fmt.Errorf("load doctor: %w", err)
	}
	return patient, doctor, nil
}

func actorFrom(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "system"
}

func validateWindow(now, start time.Time, durationMinutes int) error {
	if start.IsZero() || !start.After(now) {
		return fmt.Errorf("%w: start time must be in the future", ErrInvalidTimeWindow)
	}
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: duration must be between %d and %d minutes", ErrInvalidTimeWindow, MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}

// EventPayload snapshots everything the notification templates need so the
// dispatcher never has to look the parties up again.
func EventPayload(a *Appointment, patient *directory.Patient, doctor *directory.Doctor) map[string]interface{} {
	payload := map[string]interface{}{
		"appointment_id":   a.ID.String(),
		"event_seq":        a.EventSeq,
		"status":           a.Status,
		"patient_id":       patient.ID.String(),
		"patient_name":     patient.FullName(),
		"doctor_id":        doctor.ID.String(),
		"doctor_name":      doctor.FullName(),
		"specialty":        doctor.Specialty,
		"start_time":       a.StartTime.UTC().Format(time.RFC3339),
		"duration_minutes": a.DurationMinutes,
	}
	if patient.Email != nil {
		payload["patient_email"] = *patient.Email
	}
	if patient.Phone != nil {
		payload["patient_phone"] = *patient.Phone
	}
	if patient.PushToken != nil {
		payload["patient_push_token"] = *patient.PushToken
	}
	if doctor.Email != nil {
		payload["doctor_email"] = *doctor.Email
	}
	if a.Reason != nil {
		payload["reason"] = *a.Reason
	}
	return payload
}
