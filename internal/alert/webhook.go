package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookHandler posts alerts as JSON to an HTTP endpoint.
type WebhookHandler struct {
	url    string
	min    Severity
	client *http.Client
}

// NewWebhookHandler creates the handler. A zero min defaults to High.
func NewWebhookHandler(url string, min Severity, client *http.Client) *WebhookHandler {
	if min == 0 {
		min = High
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookHandler{url: url, min: min, client: client}
}

func (h *WebhookHandler) Name() string { return "webhook" }

func (h *WebhookHandler) MinSeverity() Severity { return h.min }

func (h *WebhookHandler) Handle(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "opshub-alerts/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
