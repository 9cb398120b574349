package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	defaultWebhookRetries = 3
	defaultWebhookBackoff = 500 * time.Millisecond
)

// PayloadRedactor strips sensitive fields from an outgoing JSON payload.
type PayloadRedactor interface {
	Redact(payload []byte) ([]byte, bool, error)
}

// WebhookConfig configures WebhookNotifier. Redactor may be nil.
type WebhookConfig struct {
	URL         string
	MinSeverity domain.Severity
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration
	Redactor    PayloadRedactor
}

// WebhookNotifier POSTs alerts at or above a severity as JSON.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. Zero values in cfg get defaults.
func NewWebhookNotifier(cfg WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = domain.SeverityCritical
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultWebhookRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultWebhookBackoff
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook"),
	}
}

// Notify delivers alert if it is severe enough, retrying with a doubling backoff.
func (n *WebhookNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	if alert.Severity.Rank() < n.cfg.MinSeverity.Rank() {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if n.cfg.Redactor != nil {
		if body, _, err = n.cfg.Redactor.Redact(body); err != nil {
			return fmt.Errorf("failed to redact alert: %w", err)
		}
	}

	backoff := n.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= n.cfg.Retries; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed", "attempt", attempt, "message_id", alert.MessageID, "error", lastErr)
		if attempt == n.cfg.Retries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to deliver alert %s after %d attempts: %w", alert.MessageID, n.cfg.Retries, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
