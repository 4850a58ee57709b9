package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var defaultWebhookTimeout = 10 * time.Second

// SlogSink writes notifications to the structured log. It is the default
// sink when no webhook is configured.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink that logs deliveries at Info.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Deliver logs the notification.
func (s *SlogSink) Deliver(_ context.Context, n Notification) error {
	s.logger.Info("notification", "title", n.Title, "body", n.Body)
	return nil
}

// WebhookSink POSTs notifications as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a webhook sink. A nil client gets a default
// with a short timeout.
func NewWebhookSink(url string, client *http.Client) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSink{url: url, client: client}, nil
}

// Deliver sends the notification and treats any non-2xx status as a
// failed delivery.
func (w *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
