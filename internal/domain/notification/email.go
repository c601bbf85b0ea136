package notification

import (
	"context"
	"fmt"

	mail "gopkg.in/mail.v2"
)

// EmailTransport sends messages through an SMTP relay.
type EmailTransport struct {
	dialer *mail.Dialer
	from   string
}

func NewEmailTransport(host string, port int, username, password, from string) *EmailTransport {
	return &EmailTransport{
		dialer: mail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send delivers the message. DialAndSend does not take a context, so the
// dial runs in a goroutine and the caller's deadline is honored here.
func (t *EmailTransport) Send(ctx context.Context, recipient, subject, body string) error {
	m := mail.NewMessage()
	m.SetHeader("From", t.from)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- t.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}
