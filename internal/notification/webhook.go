package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookEnvelope is the wire shape posted to the receiver: the alert's
// structured fields plus the emitting source and a send timestamp.
type webhookEnvelope struct {
	Source string `json:"source"`
	SentAt string `json:"sent_at"`
	Alert
}

// WebhookNotifier POSTs alert envelopes to an HTTP endpoint. Receivers key
// off the event and bot_id/symbol fields rather than parsing message text.
type WebhookNotifier struct {
	url    string
	source string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		source: "perptrader",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookEnvelope{
		Source: w.source,
		SentAt: time.Now().UTC().Format(time.RFC3339Nano),
		Alert:  alert,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s for %s alert", resp.Status, alert.Event)
	}
	return nil
}
