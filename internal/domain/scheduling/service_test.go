package scheduling

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medsched/medsched/internal/clock"
	"github.com/medsched/medsched/internal/domain/directory"
	"github.com/medsched/medsched/internal/platform/audit"
)

// -- Mock Repositories --

// mockAppointmentRepo mirrors the Postgres repo's behavior, including the
// partial unique index on (doctor_id, start_time) over held and scheduled
// rows. It is mutex guarded so concurrent booking tests can share it.
type mockAppointmentRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func activeStatus(s string) bool {
	return s == StatusHeld || s == StatusScheduled
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if activeStatus(a.Status) {
		for _, other := range m.appts {
			if other.DoctorID == a.DoctorID && other.StartTime.Equal(a.StartTime) && activeStatus(other.Status) {
				return ErrSlotConflict
			}
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) UpdateIfStatus(_ context.Context, a *Appointment, expect string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.appts[a.ID]
	if !ok || existing.Status != expect {
		return ErrNotFound
	}
	if activeStatus(a.Status) {
		for id, other := range m.appts {
			if id == a.ID {
				continue
			}
			if other.DoctorID == a.DoctorID && other.StartTime.Equal(a.StartTime) && activeStatus(other.Status) {
				return ErrSlotConflict
			}
		}
	}
	cp := *a
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) FindOverlapping(_ context.Context, doctorID uuid.UUID, start, end time.Time, now time.Time, excludeID *uuid.UUID) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID != doctorID {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if !activeStatus(a.Status) {
			continue
		}
		if a.Status == StatusHeld && a.HoldExpired(now) {
			continue
		}
		if Overlaps(a.StartTime, time.Duration(a.DurationMinutes)*time.Minute, start, end.Sub(start)) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *mockAppointmentRepo) ConfirmHold(_ context.Context, id uuid.UUID, now time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != StatusHeld {
		return nil, ErrNotFound
	}
	if a.ReservationExpiresAt == nil || !a.ReservationExpiresAt.After(now) {
		return nil, ErrReservationExpired
	}
	a.Status = StatusScheduled
	a.IsReserved = false
	a.ReservationExpiresAt = nil
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) ReleaseHold(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok && a.Status == StatusHeld {
		delete(m.appts, id)
	}
	return nil
}

func (m *mockAppointmentRepo) ReleaseExpiredAt(_ context.Context, doctorID uuid.UUID, start time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.appts {
		if a.DoctorID == doctorID && a.StartTime.Equal(start) && a.HoldExpired(now) {
			delete(m.appts, id)
		}
	}
	return nil
}

func (m *mockAppointmentRepo) ReleaseExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range m.appts {
		if a.HoldExpired(now) {
			delete(m.appts, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockAppointmentRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockAppointmentRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

// active returns copies of the rows that count for conflict detection.
func (m *mockAppointmentRepo) active(now time.Time) []*Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.appts {
		if !activeStatus(a.Status) {
			continue
		}
		if a.Status == StatusHeld && a.HoldExpired(now) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// -- Mock Collaborators --

type emittedEvent struct {
	appointmentID uuid.UUID
	eventType     string
	payload       map[string]interface{}
}

type mockOutbox struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (m *mockOutbox) Emit(_ context.Context, appointmentID uuid.UUID, eventType string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, emittedEvent{appointmentID: appointmentID, eventType: eventType, payload: payload})
	return nil
}

func (m *mockOutbox) byType(eventType string) []emittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []emittedEvent
	for _, e := range m.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type mockPatientDir struct {
	patients map[uuid.UUID]*directory.Patient
}

func (m *mockPatientDir) GetByID(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return p, nil
}

type mockDoctorDir struct {
	doctors map[uuid.UUID]*directory.Doctor
}

func (m *mockDoctorDir) GetByID(_ context.Context, id uuid.UUID) (*directory.Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return d, nil
}

// -- Harness --

var baseTime = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repo    *mockAppointmentRepo
	outbox  *mockOutbox
	clk     *clock.Fixed
	patient *directory.Patient
	doctor  *directory.Doctor
}

func newTestEnvOpts(opts Options) *testEnv {
	repo := newMockAppointmentRepo()
	outbox := &mockOutbox{}
	clk := clock.NewFixed(baseTime)
	if opts.Clock == nil {
		opts.Clock = clk
	}

	email := "nora@example.com"
	phone := "+15550100"
	patient := &directory.Patient{ID: uuid.New(), FirstName: "Nora", LastName: "Quinn", Email: &email, Phone: &phone}
	docEmail := "asha.rao@clinic.example.com"
	doctor := &directory.Doctor{ID: uuid.New(), FirstName: "Asha", LastName: "Rao", Specialty: "dermatology", Email: &docEmail}

	svc := NewService(repo,
		&mockPatientDir{patients: map[uuid.UUID]*directory.Patient{patient.ID: patient}},
		&mockDoctorDir{doctors: map[uuid.UUID]*directory.Doctor{doctor.ID: doctor}},
		outbox, opts)
	return &testEnv{svc: svc, repo: repo, outbox: outbox, clk: clk, patient: patient, doctor: doctor}
}

func newTestEnv() *testEnv {
	return newTestEnvOpts(Options{})
}

// tomorrowAt returns a slot start the day after baseTime.
func tomorrowAt(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func seedScheduled(t *testing.T, repo *mockAppointmentRepo, patientID, doctorID uuid.UUID, start time.Time, durationMinutes int) *Appointment {
	t.Helper()
	a := &Appointment{
		PatientID:       patientID,
		DoctorID:        doctorID,
		StartTime:       start,
		DurationMinutes: durationMinutes,
		Status:          StatusScheduled,
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	return a
}

// -- Booking --

func TestBookAppointment_Success(t *testing.T) {
	env := newTestEnv()

	appt, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusScheduled {
		t.Errorf("status = %s, want %s", appt.Status, StatusScheduled)
	}
	if appt.IsReserved {
		t.Error("confirmed appointment must not stay reserved")
	}
	if appt.ReservationExpiresAt != nil {
		t.Error("confirmed appointment must clear reservation_expires_at")
	}

	stored, err := env.repo.GetByID(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != StatusScheduled {
		t.Errorf("stored status = %s, want %s", stored.Status, StatusScheduled)
	}

	booked := env.outbox.byType(EventBooked)
	if len(booked) != 1 {
		t.Fatalf("expected 1 booked event, got %d", len(booked))
	}
	payload := booked[0].payload
	if payload["patient_name"] != "Nora Quinn" {
		t.Errorf("payload patient_name = %v", payload["patient_name"])
	}
	if payload["doctor_name"] != "Dr. Asha Rao" {
		t.Errorf("payload doctor_name = %v", payload["doctor_name"])
	}
	if payload["patient_email"] != "nora@example.com" {
		t.Errorf("payload patient_email = %v", payload["patient_email"])
	}
}

func TestBookAppointment_PatientNotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.BookAppointment(context.Background(), uuid.New(), env.doctor.ID, tomorrowAt(9, 0), 30, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBookAppointment_DoctorNotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.BookAppointment(context.Background(), env.patient.ID, uuid.New(), tomorrowAt(9, 0), 30, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBookAppointment_PastStartTime(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, baseTime.Add(-time.Hour), 30, nil, nil)
	if !errors.Is(err, ErrInvalidTimeWindow) {
		t.Errorf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestBookAppointment_DurationBounds(t *testing.T) {
	env := newTestEnv()
	for _, minutes := range []int{0, 5, 14, 241, 600} {
		if _, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), minutes, nil, nil); !errors.Is(err, ErrInvalidTimeWindow) {
			t.Errorf("duration %d: expected ErrInvalidTimeWindow, got %v", minutes, err)
		}
	}
	if _, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 15, nil, nil); err != nil {
		t.Errorf("duration 15: unexpected error: %v", err)
	}
	if _, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(12, 0), 240, nil, nil); err != nil {
		t.Errorf("duration 240: unexpected error: %v", err)
	}
}

func TestBookAppointment_AdjacentSlots(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.BookAppointment(ctx, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30, nil, nil); err != nil {
		t.Fatalf("book 09:00: unexpected error: %v", err)
	}
	if _, err := env.svc.BookAppointment(ctx, env.patient.ID, env.doctor.ID, tomorrowAt(9, 15), 30, nil, nil); !errors.Is(err, ErrSlotConflict) {
		t.Errorf("book 09:15: expected ErrSlotConflict, got %v", err)
	}
	if _, err := env.svc.BookAppointment(ctx, env.patient.ID, env.doctor.ID, tomorrowAt(9, 30), 30, nil, nil); err != nil {
		t.Errorf("book 09:30: unexpected error: %v", err)
	}
}

func TestBookAppointment_ConflictWithLiveHold(t *testing.T) {
	env := newTestEnv()
	expires := baseTime.Add(5 * time.Minute)
	hold := &Appointment{
		PatientID:            uuid.New(),
		DoctorID:             env.doctor.ID,
		StartTime:            tomorrowAt(10, 0),
		DurationMinutes:      30,
		Status:               StatusHeld,
		IsReserved:           true,
		ReservationExpiresAt: &expires,
	}
	if err := env.repo.Create(context.Background(), hold); err != nil {
		t.Fatalf("seed hold: %v", err)
	}

	_, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(10, 15), 30, nil, nil)
	if !errors.Is(err, ErrSlotConflict) {
		t.Errorf("expected ErrSlotConflict, got %v", err)
	}
}

func TestBookAppointment_ExpiredHoldIgnored(t *testing.T) {
	env := newTestEnv()
	expired := baseTime.Add(-time.Minute)
	hold := &Appointment{
		PatientID:            uuid.New(),
		DoctorID:             env.doctor.ID,
		StartTime:            tomorrowAt(10, 0),
		DurationMinutes:      30,
		Status:               StatusHeld,
		IsReserved:           true,
		ReservationExpiresAt: &expired,
	}
	if err := env.repo.Create(context.Background(), hold); err != nil {
		t.Fatalf("seed hold: %v", err)
	}

	// Same doctor, same exact slot: the expired hold must not block even
	// though the sweeper has not run.
	appt, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(10, 0), 30, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusScheduled {
		t.Errorf("status = %s, want %s", appt.Status, StatusScheduled)
	}
	if _, err := env.repo.GetByID(context.Background(), hold.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired hold to be cleared, got %v", err)
	}
}

func TestBookAppointment_ConcurrentOverlap(t *testing.T) {
	env := newTestEnv()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, start := range []time.Time{tomorrowAt(9, 0), tomorrowAt(9, 15)} {
		wg.Add(1)
		go func(start time.Time) {
			defer wg.Done()
			_, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, start, 30, nil, nil)
			results <- err
		}(start)
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("got %d successes and %d conflicts, want exactly 1 of each", successes, conflicts)
	}
}

func TestBooking_NonOverlapInvariant(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(42))
	day := tomorrowAt(8, 0)
	durations := []int{15, 30, 45, 60}

	var successes int
	for i := 0; i < 200; i++ {
		start := day.Add(time.Duration(rnd.Intn(40)) * 15 * time.Minute)
		if _, err := env.svc.BookAppointment(ctx, env.patient.ID, env.doctor.ID, start, durations[rnd.Intn(len(durations))], nil, nil); err == nil {
			successes++
		} else if !errors.Is(err, ErrSlotConflict) {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
	}
	if successes == 0 {
		t.Fatal("expected at least one booking to succeed")
	}

	rows := env.repo.active(env.clk.Now())
	for i := range rows {
		for j := i + 1; j < len(rows); j++ {
			a, b := rows[i], rows[j]
			if Overlaps(a.StartTime, time.Duration(a.DurationMinutes)*time.Minute, b.StartTime, time.Duration(b.DurationMinutes)*time.Minute) {
				t.Fatalf("overlapping rows persisted: %s+%dm and %s+%dm",
					a.StartTime.Format("15:04"), a.DurationMinutes,
					b.StartTime.Format("15:04"), b.DurationMinutes)
			}
		}
	}
}

func TestBookAppointment_AuditTrail(t *testing.T) {
	var mu sync.Mutex
	var actions []string
	rec := audit.RecorderFunc(func(_ context.Context, e audit.Event) {
		mu.Lock()
		actions = append(actions, e.Action)
		mu.Unlock()
	})
	env := newTestEnvOpts(Options{Audit: rec})

	if _, err := env.svc.BookAppointment(context.Background(), env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(actions) != 2 || actions[0] != "hold" || actions[1] != "confirm" {
		t.Errorf("audit actions = %v, want [hold confirm]", actions)
	}
}

// -- Reservation TTL --

func TestConfirm_AfterTTLExpires(t *testing.T) {
	repo := newMockAppointmentRepo()
	clk := clock.NewFixed(baseTime)
	mgr := NewReservationManager(repo, clk)
	ctx := context.Background()

	hold, err := mgr.Hold(ctx, uuid.New(), uuid.New(), tomorrowAt(9, 0), 30, 5*time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(6 * time.Minute)
	if _, err := mgr.Confirm(ctx, hold.ID); !errors.Is(err, ErrReservationExpired) {
		t.Errorf("expected ErrReservationExpired, got %v", err)
	}

	// The expired hold no longer counts for conflict detection either.
	rows, err := repo.FindOverlapping(ctx, hold.DoctorID, hold.StartTime, hold.EndTime(), clk.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected expired hold to be invisible, got %d rows", len(rows))
	}
}

func TestConfirm_AtExactTTLBoundary(t *testing.T) {
	repo := newMockAppointmentRepo()
	clk := clock.NewFixed(baseTime)
	mgr := NewReservationManager(repo, clk)
	ctx := context.Background()

	hold, err := mgr.Hold(ctx, uuid.New(), uuid.New(), tomorrowAt(9, 0), 30, 5*time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(5 * time.Minute)
	if _, err := mgr.Confirm(ctx, hold.ID); !errors.Is(err, ErrReservationExpired) {
		t.Errorf("expected ErrReservationExpired at exact expiry, got %v", err)
	}
}

func TestConfirm_WithinTTL(t *testing.T) {
	repo := newMockAppointmentRepo()
	clk := clock.NewFixed(baseTime)
	mgr := NewReservationManager(repo, clk)
	ctx := context.Background()

	hold, err := mgr.Hold(ctx, uuid.New(), uuid.New(), tomorrowAt(9, 0), 30, 5*time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(4 * time.Minute)
	confirmed, err := mgr.Confirm(ctx, hold.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if confirmed.Status != StatusScheduled {
		t.Errorf("status = %s, want %s", confirmed.Status, StatusScheduled)
	}
}

func TestRelease_AbsentHoldIsNoop(t *testing.T) {
	repo := newMockAppointmentRepo()
	mgr := NewReservationManager(repo, clock.NewFixed(baseTime))
	if err := mgr.Release(context.Background(), uuid.New()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// -- Cancellation --

func TestCancelAppointment_Success(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(48*time.Hour), 30)

	cancelled, err := env.svc.CancelAppointment(context.Background(), appt.ID, "patient request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", cancelled.Status, StatusCancelled)
	}
	if cancelled.CancelledAt == nil {
		t.Error("expected cancelled_at to be set")
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != "patient request" {
		t.Error("expected cancellation_reason to be recorded")
	}

	events := env.outbox.byType(EventCancelled)
	if len(events) != 1 {
		t.Fatalf("expected 1 cancelled event, got %d", len(events))
	}
	if events[0].payload["cancellation_reason"] != "patient request" {
		t.Errorf("payload cancellation_reason = %v", events[0].payload["cancellation_reason"])
	}
}

func TestCancelAppointment_InsideNoticeWindow(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(2*time.Hour), 30)

	_, err := env.svc.CancelAppointment(context.Background(), appt.ID, "too late")
	if !errors.Is(err, ErrCancellationWindowExpired) {
		t.Errorf("expected ErrCancellationWindowExpired, got %v", err)
	}

	stored, _ := env.repo.GetByID(context.Background(), appt.ID)
	if stored.Status != StatusScheduled {
		t.Errorf("failed cancel must leave the row scheduled, got %s", stored.Status)
	}
}

func TestCancelAppointment_ExactNoticeBoundary(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(24*time.Hour), 30)

	if _, err := env.svc.CancelAppointment(context.Background(), appt.ID, ""); err != nil {
		t.Errorf("cancel exactly at the notice boundary should succeed, got %v", err)
	}
}

func TestCancelAppointment_AlreadyCancelled(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(48*time.Hour), 30)

	if _, err := env.svc.CancelAppointment(context.Background(), appt.ID, "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.CancelAppointment(context.Background(), appt.ID, "second"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelAppointment_NotFound(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.CancelAppointment(context.Background(), uuid.New(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Rescheduling --

func TestRescheduleAppointment_Success(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)

	moved, err := env.svc.RescheduleAppointment(context.Background(), appt.ID, tomorrowAt(14, 0), "doctor unavailable")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved.StartTime.Equal(tomorrowAt(14, 0)) {
		t.Errorf("start_time = %v, want %v", moved.StartTime, tomorrowAt(14, 0))
	}
	if moved.Status != StatusScheduled {
		t.Errorf("status = %s, want %s", moved.Status, StatusScheduled)
	}
	if moved.EventSeq != 1 {
		t.Errorf("event_seq = %d, want 1", moved.EventSeq)
	}

	events := env.outbox.byType(EventRescheduled)
	if len(events) != 1 {
		t.Fatalf("expected 1 rescheduled event, got %d", len(events))
	}
	payload := events[0].payload
	if payload["old_start_time"] != tomorrowAt(9, 0).Format(time.RFC3339) {
		t.Errorf("payload old_start_time = %v", payload["old_start_time"])
	}
	if payload["new_start_time"] != tomorrowAt(14, 0).Format(time.RFC3339) {
		t.Errorf("payload new_start_time = %v", payload["new_start_time"])
	}
	if payload["status"] != StatusRescheduled {
		t.Errorf("payload status = %v, want %s", payload["status"], StatusRescheduled)
	}
}

func TestRescheduleAppointment_ConflictLeavesOriginal(t *testing.T) {
	env := newTestEnv()
	seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(14, 0), 30)
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)

	_, err := env.svc.RescheduleAppointment(context.Background(), appt.ID, tomorrowAt(14, 15), "")
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}

	stored, _ := env.repo.GetByID(context.Background(), appt.ID)
	if !stored.StartTime.Equal(tomorrowAt(9, 0)) {
		t.Errorf("failed reschedule moved the row to %v", stored.StartTime)
	}
	if stored.Status != StatusScheduled || stored.EventSeq != 0 {
		t.Errorf("failed reschedule mutated the row: status=%s event_seq=%d", stored.Status, stored.EventSeq)
	}
	if len(env.outbox.byType(EventRescheduled)) != 0 {
		t.Error("failed reschedule must not emit an event")
	}
}

func TestRescheduleAppointment_OverOwnWindow(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 60)

	// 09:30 overlaps only the appointment being moved; that must not count.
	if _, err := env.svc.RescheduleAppointment(context.Background(), appt.ID, tomorrowAt(9, 30), ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRescheduleAppointment_Cancelled(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(48*time.Hour), 30)
	if _, err := env.svc.CancelAppointment(context.Background(), appt.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.svc.RescheduleAppointment(context.Background(), appt.ID, baseTime.Add(72*time.Hour), ""); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestRescheduleAppointment_PastTarget(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)

	if _, err := env.svc.RescheduleAppointment(context.Background(), appt.ID, baseTime.Add(-time.Hour), ""); !errors.Is(err, ErrInvalidTimeWindow) {
		t.Errorf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

// -- Workflow close-out --

func TestMarkCompleted_AfterSlot(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(-2*time.Hour), 30)

	done, err := env.svc.MarkCompleted(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", done.Status, StatusCompleted)
	}
}

func TestMarkCompleted_BeforeSlotEnds(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(time.Hour), 30)

	if _, err := env.svc.MarkCompleted(context.Background(), appt.ID); !errors.Is(err, ErrInvalidTimeWindow) {
		t.Errorf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestMarkNoShow_AfterSlot(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(-2*time.Hour), 30)

	done, err := env.svc.MarkNoShow(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusNoShow {
		t.Errorf("status = %s, want %s", done.Status, StatusNoShow)
	}
}

func TestMarkCompleted_CancelledRow(t *testing.T) {
	env := newTestEnv()
	appt := seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, baseTime.Add(48*time.Hour), 30)
	if _, err := env.svc.CancelAppointment(context.Background(), appt.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.svc.MarkCompleted(context.Background(), appt.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

// -- Availability --

func TestIsTimeSlotAvailable(t *testing.T) {
	env := newTestEnv()
	seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)
	ctx := context.Background()

	if ok, err := env.svc.IsTimeSlotAvailable(ctx, env.doctor.ID, tomorrowAt(9, 15), 30); err != nil || ok {
		t.Errorf("overlapping slot: available=%v err=%v, want false", ok, err)
	}
	if ok, err := env.svc.IsTimeSlotAvailable(ctx, env.doctor.ID, tomorrowAt(9, 30), 30); err != nil || !ok {
		t.Errorf("back-to-back slot: available=%v err=%v, want true", ok, err)
	}
	if ok, err := env.svc.IsTimeSlotAvailable(ctx, uuid.New(), tomorrowAt(9, 0), 30); err != nil || !ok {
		t.Errorf("other doctor: available=%v err=%v, want true", ok, err)
	}
	if _, err := env.svc.IsTimeSlotAvailable(ctx, env.doctor.ID, tomorrowAt(9, 0), 5); !errors.Is(err, ErrInvalidTimeWindow) {
		t.Errorf("expected ErrInvalidTimeWindow for out-of-range duration, got %v", err)
	}
}

// -- Listing --

func TestGetPatientAppointments(t *testing.T) {
	env := newTestEnv()
	seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)
	seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(11, 0), 30)
	seedScheduled(t, env.repo, uuid.New(), env.doctor.ID, tomorrowAt(13, 0), 30)

	items, total, err := env.svc.GetPatientAppointments(context.Background(), env.patient.ID, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("got %d items (total %d), want 2", len(items), total)
	}
}

func TestGetDoctorAppointments(t *testing.T) {
	env := newTestEnv()
	seedScheduled(t, env.repo, env.patient.ID, env.doctor.ID, tomorrowAt(9, 0), 30)
	seedScheduled(t, env.repo, env.patient.ID, uuid.New(), tomorrowAt(9, 0), 30)

	items, total, err := env.svc.GetDoctorAppointments(context.Background(), env.doctor.ID, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Errorf("got %d items (total %d), want 1", len(items), total)
	}
}
