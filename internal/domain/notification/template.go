package notification

import (
	"fmt"
	"strings"
	"sync"

	"github.com/medsched/medsched/internal/domain/scheduling"
)

// Template is the message shape for one event on one channel. Subject is
// only meaningful for email; SMS and push bodies stand alone.
type Template struct {
	Subject string
	Body    string
}

// TemplateEngine renders event payloads into channel-specific messages
// using {{key}} substitution.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.registerBuiltIn()
	return e
}

func templateKey(eventType, channel string) string {
	return eventType + "/" + channel
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := map[string]Template{
		templateKey(scheduling.EventBooked, ChannelEmail): {
			Subject: "Appointment confirmed for {{patient_name}}",
			Body: "Dear {{patient_name}}, your appointment with {{doctor_name}} ({{specialty}}) " +
				"is confirmed for {{start_time}} ({{duration_minutes}} minutes).",
		},
		templateKey(scheduling.EventBooked, ChannelSMS): {
			Body: "Appointment confirmed: {{doctor_name}} at {{start_time}}.",
		},
		templateKey(scheduling.EventBooked, ChannelPush): {
			Body: "Appointment with {{doctor_name}} confirmed for {{start_time}}.",
		},
		templateKey(scheduling.EventCancelled, ChannelEmail): {
			Subject: "Your appointment has been cancelled",
			Body: "Dear {{patient_name}}, your appointment with {{doctor_name}} on {{start_time}} " +
				"has been cancelled. Reason: {{cancellation_reason}}",
		},
		templateKey(scheduling.EventCancelled, ChannelSMS): {
			Body: "Appointment cancelled: {{doctor_name}} on {{start_time}}.",
		},
		templateKey(scheduling.EventCancelled, ChannelPush): {
			Body: "Your appointment on {{start_time}} was cancelled.",
		},
		templateKey(scheduling.EventRescheduled, ChannelEmail): {
			Subject: "Your appointment has been rescheduled",
			Body: "Dear {{patient_name}}, your appointment with {{doctor_name}} has moved " +
				"from {{old_start_time}} to {{new_start_time}}.",
		},
		templateKey(scheduling.EventRescheduled, ChannelSMS): {
			Body: "Appointment moved to {{new_start_time}} with {{doctor_name}}.",
		},
		templateKey(scheduling.EventRescheduled, ChannelPush): {
			Body: "Your appointment moved to {{new_start_time}}.",
		},
		templateKey(scheduling.EventReminder, ChannelEmail): {
			Subject: "Appointment reminder for {{patient_name}}",
			Body: "Dear {{patient_name}}, this is a reminder of your appointment with " +
				"{{doctor_name}} ({{specialty}}) on {{start_time}}.",
		},
		templateKey(scheduling.EventReminder, ChannelSMS): {
			Body: "Reminder: appointment with {{doctor_name}} at {{start_time}}.",
		},
		templateKey(scheduling.EventReminder, ChannelPush): {
			Body: "Upcoming appointment with {{doctor_name}} at {{start_time}}.",
		},
	}
	for k, t := range builtIn {
		e.templates[k] = t
	}
}

// Register adds or replaces the template for an event and channel.
func (e *TemplateEngine) Register(eventType, channel string, t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[templateKey(eventType, channel)] = t
}

// Render looks up the template for the event and channel and performs
// {{key}} replacement using the supplied data map. Keys present in the
// template but absent from data are left as-is.
func (e *TemplateEngine) Render(eventType, channel string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateKey(eventType, channel)]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for event %q on channel %q", eventType, channel)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
