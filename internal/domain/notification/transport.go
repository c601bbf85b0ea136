package notification

import (
	"context"
	"errors"
	"sync"
)

// Transport delivers one rendered message over a single channel. Subject
// is empty for channels that have no such concept.
type Transport interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SendCall records a single call to Send.
type SendCall struct {
	Recipient string
	Subject   string
	Body      string
}

// MockTransport is a recording test double for Transport.
type MockTransport struct {
	mu         sync.Mutex
	calls      []SendCall
	ShouldFail bool
	FailError  string
}

// Send records the call and optionally returns an error.
func (m *MockTransport) Send(_ context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{Recipient: recipient, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockTransport) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
