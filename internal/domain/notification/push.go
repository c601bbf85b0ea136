package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PushTransport posts messages to an HTTP push gateway keyed by device
// token.
type PushTransport struct {
	endpoint string
	client   *http.Client
}

func NewPushTransport(endpoint string) *PushTransport {
	return &PushTransport{endpoint: endpoint, client: &http.Client{}}
}

type pushMessage struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (t *PushTransport) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := json.Marshal(pushMessage{Token: recipient, Title: subject, Body: body})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("push gateway: %s", resp.Status)
	}
	return nil
}
