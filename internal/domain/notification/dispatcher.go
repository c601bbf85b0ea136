package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsched/medsched/internal/clock"
)

var backoffSchedule = []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute}

// Backoff returns the wait before retry number retry (1-based). Retries
// past the end of the schedule reuse the last entry.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > len(backoffSchedule) {
		retry = len(backoffSchedule)
	}
	return backoffSchedule[retry-1]
}

// Dispatcher drains the outbox into per-channel delivery attempts and
// retries failed attempts until their retry budget is spent. Multiple
// instances may run against one database; row locks keep them from
// processing the same work twice.
type Dispatcher struct {
	outbox      OutboxRepository
	attempts    AttemptRepository
	transports  map[string]Transport
	templates   *TemplateEngine
	clk         clock.Clock
	log         zerolog.Logger
	tx          TxRunner
	interval    time.Duration
	batchSize   int
	maxRetries  int
	sendTimeout time.Duration
}

// DispatcherOptions carries the dial knobs for NewDispatcher. Zero values
// fall back to production defaults.
type DispatcherOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	SendTimeout time.Duration
	Clock       clock.Clock
	Logger      zerolog.Logger
	Tx          TxRunner
}

func NewDispatcher(outbox OutboxRepository, attempts AttemptRepository, transports map[string]Transport, templates *TemplateEngine, opts DispatcherOptions) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Tx == nil {
		opts.Tx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &Dispatcher{
		outbox:      outbox,
		attempts:    attempts,
		transports:  transports,
		templates:   templates,
		clk:         opts.Clock,
		log:         opts.Logger,
		tx:          opts.Tx,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		maxRetries:  opts.MaxRetries,
		sendTimeout: opts.SendTimeout,
	}
}

// Run processes the outbox and due retries on every tick until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Dur("interval", d.interval).Msg("notification dispatcher started")
	d.tick(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("notification dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.Drain(ctx)
	d.RetryDue(ctx)
}

// Drain claims pending outbox events and fans each out into one pending
// attempt per channel the patient can be reached on. The claim, the
// attempt writes, and the event status update commit together, so a crash
// mid-pass leaves events pending and the next pass takes over. Returns
// the number of attempts created.
func (d *Dispatcher) Drain(ctx context.Context) int {
	created := 0
	err := d.tx(ctx, func(txCtx context.Context) error {
		events, err := d.outbox.ClaimPending(txCtx, d.batchSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			n, ferr := d.fanOut(txCtx, ev)
			if ferr != nil {
				d.log.Error().Err(ferr).Str("event_id", ev.ID.String()).Msg("outbox fan-out failed")
				if mErr := d.outbox.MarkFailed(txCtx, ev.ID, ferr.Error()); mErr != nil {
					return mErr
				}
				continue
			}
			created += n
			if mErr := d.outbox.MarkDispatched(txCtx, ev.ID, d.clk.Now()); mErr != nil {
				return mErr
			}
		}
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Msg("outbox drain failed")
		return 0
	}
	return created
}

func (d *Dispatcher) fanOut(ctx context.Context, ev *OutboxEvent) (int, error) {
	data := stringifyPayload(ev.Payload)
	seq := payloadEventSeq(ev.Payload)
	now := d.clk.Now()

	created := 0
	for _, t := range targets(ev.Payload) {
		if _, ok := d.transports[t.channel]; !ok {
			continue
		}
		subject, body, err := d.templates.Render(ev.EventType, t.channel, data)
		if err != nil {
			d.log.Warn().Err(err).Str("event_type", ev.EventType).Str("channel", t.channel).
				Msg("skipping channel without template")
			continue
		}
		a := &Attempt{
			AppointmentID: ev.AppointmentID,
			EventType:     ev.EventType,
			EventSeq:      seq,
			Channel:       t.channel,
			Recipient:     t.recipient,
			Subject:       subject,
			Body:          body,
			Status:        StatusPending,
			MaxRetries:    d.maxRetries,
			NextAttemptAt: now,
		}
		inserted, err := d.attempts.Upsert(ctx, a)
		if err != nil {
			return created, fmt.Errorf("create attempt: %w", err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// RetryDue delivers every pending attempt whose next_attempt_at has
// passed, holding the claimed rows locked for the duration of the pass.
// Returns the number of successful sends.
func (d *Dispatcher) RetryDue(ctx context.Context) int {
	sent := 0
	err := d.tx(ctx, func(txCtx context.Context) error {
		due, err := d.attempts.Due(txCtx, d.clk.Now(), d.batchSize)
		if err != nil {
			return err
		}
		for _, a := range due {
			if d.deliver(txCtx, a) {
				sent++
			}
		}
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Msg("attempt retry pass failed")
	}
	return sent
}

func (d *Dispatcher) deliver(ctx context.Context, a *Attempt) bool {
	tr, ok := d.transports[a.Channel]
	if !ok {
		d.log.Error().Str("channel", a.Channel).Str("attempt_id", a.ID.String()).
			Msg("no transport configured for channel")
		if err := d.attempts.MarkFailed(ctx, a.ID, "no transport configured for channel "+a.Channel); err != nil {
			d.log.Error().Err(err).Msg("mark attempt failed")
		}
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	err := tr.Send(sendCtx, a.Recipient, a.Subject, a.Body)
	cancel()

	if err == nil {
		if mErr := d.attempts.MarkSent(ctx, a.ID, d.clk.Now()); mErr != nil {
			d.log.Error().Err(mErr).Str("attempt_id", a.ID.String()).Msg("mark attempt sent")
			return false
		}
		return true
	}

	sendErr := fmt.Errorf("%w: %v", ErrSendFailure, err)
	if a.RetryCount < a.MaxRetries {
		a.RetryCount++
		next := d.clk.Now().Add(Backoff(a.RetryCount))
		if mErr := d.attempts.ScheduleRetry(ctx, a.ID, a.RetryCount, next, sendErr.Error()); mErr != nil {
			d.log.Error().Err(mErr).Str("attempt_id", a.ID.String()).Msg("schedule retry")
			return false
		}
		d.log.Warn().Err(err).
			Str("attempt_id", a.ID.String()).
			Str("channel", a.Channel).
			Int("retry", a.RetryCount).
			Time("next_attempt_at", next).
			Msg("delivery failed, retry scheduled")
		return false
	}

	if mErr := d.attempts.MarkFailed(ctx, a.ID, sendErr.Error()); mErr != nil {
		d.log.Error().Err(mErr).Str("attempt_id", a.ID.String()).Msg("mark attempt failed")
		return false
	}
	d.log.Error().Err(err).
		Str("attempt_id", a.ID.String()).
		Str("appointment_id", a.AppointmentID.String()).
		Str("channel", a.Channel).
		Str("recipient", a.Recipient).
		Int("retries", a.RetryCount).
		Msg("delivery failed permanently")
	return false
}

type target struct {
	channel   string
	recipient string
}

// targets maps the payload's contact snapshot onto deliverable channels.
// A channel with no address is skipped rather than failed.
func targets(payload map[string]interface{}) []target {
	var out []target
	if v, ok := payload["patient_email"].(string); ok && v != "" {
		out = append(out, target{ChannelEmail, v})
	}
	if v, ok := payload["patient_phone"].(string); ok && v != "" {
		out = append(out, target{ChannelSMS, v})
	}
	if v, ok := payload["patient_push_token"].(string); ok && v != "" {
		out = append(out, target{ChannelPush, v})
	}
	return out
}

// stringifyPayload flattens the JSON payload for template substitution.
// Numbers arrive as float64 after a JSONB round trip.
func stringifyPayload(payload map[string]interface{}) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = fmt.Sprintf("%g", t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func payloadEventSeq(payload map[string]interface{}) int {
	switch v := payload["event_seq"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
