// Package notification delivers appointment lifecycle events to patients
// over email, SMS, and push. Events are written to a transactional outbox
// alongside the appointment mutation; a background dispatcher fans each
// event out into per-channel delivery attempts and retries failures on a
// fixed backoff schedule.
package notification

import (
	"time"

	"github.com/google/uuid"

	"github.com/medsched/medsched/internal/domain/directory"
)

// Delivery channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// Attempt statuses. Transitions are forward-only.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Outbox event statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDispatched = "dispatched"
	OutboxFailed     = "failed"
)

// DefaultMaxRetries bounds how many times a failed send is retried before
// the attempt is marked failed for good.
const DefaultMaxRetries = 3

// Attempt is one delivery of one event over one channel to one recipient.
// Rows are never deleted; they are the delivery audit trail.
type Attempt struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AppointmentID uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	EventType     string     `db:"event_type" json:"event_type"`
	EventSeq      int        `db:"event_seq" json:"event_seq"`
	Channel       string     `db:"channel" json:"channel"`
	Recipient     string     `db:"recipient" json:"recipient"`
	Subject       string     `db:"subject" json:"subject,omitempty"`
	Body          string     `db:"body" json:"body"`
	Status        string     `db:"status" json:"status"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	MaxRetries    int        `db:"max_retries" json:"max_retries"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	SentAt        *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt        *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

var validStatuses = map[string]bool{
	StatusPending: true, StatusSent: true, StatusDelivered: true, StatusFailed: true,
}

// ValidStatus reports whether s belongs to the closed attempt status set.
func ValidStatus(s string) bool {
	return validStatuses[s]
}

var validChannels = map[string]bool{
	ChannelEmail: true, ChannelSMS: true, ChannelPush: true,
}

// ValidChannel reports whether c is a supported delivery channel.
func ValidChannel(c string) bool {
	return validChannels[c]
}

var validTransitions = map[string]map[string]bool{
	StatusPending: {StatusSent: true, StatusFailed: true},
	StatusSent:    {StatusDelivered: true},
}

// CanTransition reports whether an attempt may move from one status to
// another. Delivered and failed are terminal.
func CanTransition(from, to string) bool {
	return validTransitions[from][to]
}

// OutboxEvent is a lifecycle event persisted in the same transaction as
// the appointment change that produced it. The payload snapshots every
// field the templates need so dispatch requires no further lookups.
type OutboxEvent struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	AppointmentID uuid.UUID              `db:"appointment_id" json:"appointment_id"`
	EventType     string                 `db:"event_type" json:"event_type"`
	Payload       map[string]interface{} `db:"payload" json:"payload"`
	Status        string                 `db:"status" json:"status"`
	Attempts      int                    `db:"attempts" json:"attempts"`
	LastError     *string                `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
	DispatchedAt  *time.Time             `db:"dispatched_at" json:"dispatched_at,omitempty"`
}

// ReminderCandidate is a scheduled appointment entering the reminder lead
// window, joined with both parties so the producer can snapshot contact
// details into the outbox payload.
type ReminderCandidate struct {
	AppointmentID   uuid.UUID
	StartTime       time.Time
	DurationMinutes int
	EventSeq        int
	Reason          *string
	Patient         directory.Patient
	Doctor          directory.Doctor
}
