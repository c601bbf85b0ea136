package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsched/medsched/internal/clock"
	"github.com/medsched/medsched/internal/domain/scheduling"
	"github.com/medsched/medsched/internal/platform/db"
)

// ReminderProducer emits one reminder outbox event for each scheduled
// appointment entering the lead window. Emitted events flow through the
// dispatcher like any other; the outbox uniqueness on the appointment's
// current event_seq keeps a slot from being reminded twice even with
// several producers running.
type ReminderProducer struct {
	outbox   OutboxRepository
	clk      clock.Clock
	log      zerolog.Logger
	lead     time.Duration
	interval time.Duration
}

func NewReminderProducer(outbox OutboxRepository, clk clock.Clock, log zerolog.Logger, lead, interval time.Duration) *ReminderProducer {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if lead <= 0 {
		lead = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReminderProducer{outbox: outbox, clk: clk, log: log, lead: lead, interval: interval}
}

// Run produces reminders once immediately, then on every tick until ctx
// is cancelled.
func (p *ReminderProducer) Run(ctx context.Context) {
	p.log.Info().Dur("lead", p.lead).Dur("interval", p.interval).Msg("reminder producer started")
	p.Produce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("reminder producer stopped")
			return
		case <-ticker.C:
			p.Produce(ctx)
		}
	}
}

// Produce emits a reminder event for every unreminded appointment inside
// the lead window, returning how many were emitted.
func (p *ReminderProducer) Produce(ctx context.Context) int {
	now := p.clk.Now()
	candidates, err := p.outbox.ReminderCandidates(ctx, now, now.Add(p.lead))
	if err != nil {
		p.log.Error().Err(err).Msg("reminder scan failed")
		return 0
	}

	emitted := 0
	for _, c := range candidates {
		appt := &scheduling.Appointment{
			ID:              c.AppointmentID,
			PatientID:       c.Patient.ID,
			DoctorID:        c.Doctor.ID,
			StartTime:       c.StartTime,
			DurationMinutes: c.DurationMinutes,
			Status:          scheduling.StatusScheduled,
			Reason:          c.Reason,
			EventSeq:        c.EventSeq,
		}
		payload := scheduling.EventPayload(appt, &c.Patient, &c.Doctor)
		if err := p.outbox.Emit(ctx, c.AppointmentID, scheduling.EventReminder, payload); err != nil {
			// A concurrent producer won the race for this appointment.
			if db.IsUniqueViolation(err) {
				continue
			}
			p.log.Error().Err(err).Str("appointment_id", c.AppointmentID.String()).Msg("emit reminder failed")
			continue
		}
		emitted++
	}
	if emitted > 0 {
		p.log.Info().Int("emitted", emitted).Msg("reminders queued")
	}
	return emitted
}
