// Package audit notifies an audit collaborator whenever an appointment
// mutates. Recording is observe-only: failures to record never affect the
// mutation that triggered the event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event captures a single mutation with before/after snapshots. Before is
// nil on create, After is nil on delete.
type Event struct {
	Actor      string
	Action     string // hold, confirm, release, expire, cancel, reschedule, complete, no_show
	EntityType string
	EntityID   uuid.UUID
	Before     interface{}
	After      interface{}
	At         time.Time
}

// Recorder receives mutation events.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Event)

func (f RecorderFunc) Record(ctx context.Context, e Event) {
	f(ctx, e)
}

type logRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder returns a Recorder that emits structured zerolog entries.
func NewLogRecorder(logger zerolog.Logger) Recorder {
	return &logRecorder{logger: logger}
}

func (r *logRecorder) Record(_ context.Context, e Event) {
	r.logger.Info().
		Str("type", "audit").
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID.String()).
		Interface("before", e.Before).
		Interface("after", e.After).
		Time("at", e.At).
		Msg("entity_mutation")
}

type nopRecorder struct{}

// NewNopRecorder returns a Recorder that discards events.
func NewNopRecorder() Recorder {
	return nopRecorder{}
}

func (nopRecorder) Record(context.Context, Event) {}
