package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SMSTransport posts messages to an HTTP SMS gateway.
type SMSTransport struct {
	endpoint string
	client   *http.Client
}

func NewSMSTransport(endpoint string) *SMSTransport {
	return &SMSTransport{endpoint: endpoint, client: &http.Client{}}
}

type smsMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Send posts the message. The subject is dropped; SMS has no such field.
func (t *SMSTransport) Send(ctx context.Context, recipient, _ string, body string) error {
	payload, err := json.Marshal(smsMessage{To: recipient, Body: body})
	if err != nil {
		return fmt.Errorf("marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sms gateway: %s", resp.Status)
	}
	return nil
}
