package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"execution_engine/pkg/retry"
)

var errWebhookTransient = errors.New("webhook transient failure")

// WebhookChannel posts alerts as JSON to a generic webhook endpoint.
type WebhookChannel struct {
	name       string
	webhookURL string
	client     *http.Client
}

func NewWebhookChannel(name, webhookURL string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name:       name,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert AlertPayload) error {
	if w.webhookURL == "" {
		return nil
	}

	payload := map[string]interface{}{
		"level":     string(alert.Level),
		"title":     alert.Title,
		"message":   alert.Message,
		"timestamp": alert.Timestamp.Unix(),
		"fields":    alert.Fields,
		"source":    "execution-engine",
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Alerting endpoints flap; retry network errors and 5xx briefly rather
	// than losing the alert.
	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second}
	return retry.Do(ctx, policy, func(err error) bool {
		return errors.Is(err, errWebhookTransient)
	}, nil, func() error {
		return w.post(ctx, jsonBody)
	})
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errWebhookTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errWebhookTransient, resp.StatusCode)
	default:
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
}
