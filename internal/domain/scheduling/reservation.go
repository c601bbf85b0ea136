package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medsched/medsched/internal/clock"
)

// ReservationManager owns the hold lifecycle: a booking first claims its
// slot as a held row with a reservation TTL, then confirms the hold into a
// scheduled appointment or releases it.
type ReservationManager struct {
	repo AppointmentRepository
	clk  clock.Clock
}

func NewReservationManager(repo AppointmentRepository, clk clock.Clock) *ReservationManager {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &ReservationManager{repo: repo, clk: clk}
}

// Hold claims the slot with a reservation that expires after ttl. An
// expired hold still squatting on the exact slot is cleared first; a live
// one surfaces as ErrSlotConflict through the uniqueness constraint.
func (m *ReservationManager) Hold(ctx context.Context, patientID, doctorID uuid.UUID, start time.Time, durationMinutes int, ttl time.Duration, reason, notes *string) (*Appointment, error) {
	now := m.clk.Now()
	if err := m.repo.ReleaseExpiredAt(ctx, doctorID, start, now); err != nil {
		return nil, fmt.Errorf("clear expired hold: %w", err)
	}

	expiresAt := now.Add(ttl)
	a := &Appointment{
		PatientID:            patientID,
		DoctorID:             doctorID,
		StartTime:            start,
		DurationMinutes:      durationMinutes,
		Status:               StatusHeld,
		Reason:               reason,
		Notes:                notes,
		IsReserved:           true,
		ReservationExpiresAt: &expiresAt,
	}
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Confirm promotes the hold to a scheduled appointment. The expiry check
// runs against the injected clock, so a stale hold fails here even when the
// sweeper has not reclaimed it yet.
func (m *ReservationManager) Confirm(ctx context.Context, holdID uuid.UUID) (*Appointment, error) {
	return m.repo.ConfirmHold(ctx, holdID, m.clk.Now())
}

// Release gives the slot back. Releasing a hold that no longer exists is a
// no-op.
func (m *ReservationManager) Release(ctx context.Context, holdID uuid.UUID) error {
	return m.repo.ReleaseHold(ctx, holdID)
}
