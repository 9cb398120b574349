// Package notifier delivers alerts to logs, webhooks, report files and
// in-memory feeds.
package notifier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// Multi fans an alert out to every notifier, continuing past failures.
type Multi []domain.Notifier

// Notify delivers alert to all notifiers and joins their errors.
func (m Multi) Notify(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs every alert.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "alerts")}
}

// Notify logs alert, at error level when it is critical.
func (n *LogNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "alert raised",
		"severity", alert.Severity,
		"message_id", alert.MessageID,
		"username", alert.Username,
		"action", alert.Action,
		"toxicity", alert.Toxicity,
		"spam_probability", alert.SpamProbability,
		"text", alert.Text,
		"reason", alert.Reason,
	)
	return nil
}
