package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestLogRecorder_EmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	rec := NewLogRecorder(logger)

	id := uuid.New()
	rec.Record(context.Background(), Event{
		Actor:      "patient-1",
		Action:     "cancel",
		EntityType: "appointment",
		EntityID:   id,
		Before:     map[string]string{"status": "scheduled"},
		After:      map[string]string{"status": "cancelled"},
		At:         time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["action"] != "cancel" {
		t.Errorf("expected action cancel, got %v", entry["action"])
	}
	if entry["entity_id"] != id.String() {
		t.Errorf("expected entity_id %s, got %v", id, entry["entity_id"])
	}
	before, ok := entry["before"].(map[string]interface{})
	if !ok || before["status"] != "scheduled" {
		t.Errorf("expected before snapshot with status scheduled, got %v", entry["before"])
	}
	after, ok := entry["after"].(map[string]interface{})
	if !ok || after["status"] != "cancelled" {
		t.Errorf("expected after snapshot with status cancelled, got %v", entry["after"])
	}
}

func TestRecorderFunc_Adapter(t *testing.T) {
	var got Event
	rec := RecorderFunc(func(_ context.Context, e Event) { got = e })

	rec.Record(context.Background(), Event{Action: "hold"})
	if got.Action != "hold" {
		t.Errorf("expected adapter to forward event, got %q", got.Action)
	}
}
