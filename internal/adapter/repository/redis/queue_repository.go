package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

// ReconcileGroup is the consumer group that drains the deferred stream.
const ReconcileGroup = "chatwatch-reconcilers"

// alertStreamMaxLen caps the alert stream; older alerts are trimmed approximately.
const alertStreamMaxLen = 10000

// QueueRepository implements domain.DeferredQueue and domain.Notifier on
// Redis Streams. Deferrals fall back to the local journal while Redis is down.
type QueueRepository struct {
	client      *redis.Client
	journal     domain.JournalRepository
	metrics     *metrics.PipelineMetrics
	logger      *slog.Logger
	isAvailable atomic.Bool
}

// NewQueueRepository creates a Redis-backed queue. The journal is optional;
// without it deferrals fail while Redis is unreachable.
func NewQueueRepository(client *redis.Client, journal domain.JournalRepository, m *metrics.PipelineMetrics, logger *slog.Logger) *QueueRepository {
	repo := &QueueRepository{
		client:  client,
		journal: journal,
		metrics: m,
		logger:  logger.With("component", "redis_queue"),
	}
	repo.isAvailable.Store(true)

	if err := repo.setupConsumerGroup(context.Background(), ReconcileGroup); err != nil {
		repo.markUnavailable(err)
		repo.logger.Error("failed to setup consumer group, redis may be unavailable on startup", "error", err)
	}
	return repo
}

// Available reports whether the last interaction with Redis succeeded.
func (r *QueueRepository) Available() bool {
	return r.isAvailable.Load()
}

// StartHealthCheck pings Redis every interval and, once it comes back,
// re-queues deferrals that were journaled while it was down. It blocks
// until ctx is done.
func (r *QueueRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.journal == nil {
		r.logger.Info("journal is not configured, skipping health check")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("starting redis health check", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping redis health check")
			return
		case <-ticker.C:
			if err := r.client.Ping(ctx).Err(); err != nil {
				r.markUnavailable(err)
				continue
			}
			if r.isAvailable.CompareAndSwap(false, true) {
				r.metrics.JournalActive.Set(0)
				r.logger.Info("redis connection recovered")
				if err := r.setupConsumerGroup(ctx, ReconcileGroup); err != nil {
					r.logger.Error("failed to setup consumer group after recovery", "error", err)
				}
				if _, err := r.ReplayJournal(ctx); err != nil {
					r.logger.Error("failed to replay journal after redis recovery", "error", err)
					r.markUnavailable(err)
				}
			}
		}
	}
}

// ReplayJournal re-queues journaled deferrals. Inconsistency entries are
// left for reconciliation, so the journal is not truncated here.
func (r *QueueRepository) ReplayJournal(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	requeued := 0
	err := r.journal.Replay(ctx, func(entry domain.JournalEntry) error {
		if entry.Kind != domain.JournalDeferred {
			return nil
		}
		if err := r.add(ctx, entry.Deferred()); err != nil {
			return err
		}
		requeued++
		return nil
	})
	if err != nil {
		return requeued, fmt.Errorf("journal replay failed: %w", err)
	}
	if requeued > 0 {
		r.logger.Info("re-queued journaled deferrals", "count", requeued)
	}
	return requeued, nil
}

// Defer adds msg to the deferred stream, writing it to the journal instead
// when Redis is unreachable.
func (r *QueueRepository) Defer(ctx context.Context, msg domain.DeferredMessage) error {
	if msg.DeferredAt.IsZero() {
		msg.DeferredAt = time.Now().UTC()
	}

	if !r.isAvailable.Load() {
		return r.journalDeferral(ctx, msg, nil)
	}

	err := r.add(ctx, msg)
	if err == nil {
		return nil
	}
	if !isNetworkError(err) {
		return err
	}
	r.markUnavailable(err)
	return r.journalDeferral(ctx, msg, err)
}

func (r *QueueRepository) journalDeferral(ctx context.Context, msg domain.DeferredMessage, cause error) error {
	if r.journal == nil {
		if cause != nil {
			return fmt.Errorf("%w: redis became unavailable and no journal is configured: %w", domain.ErrUnavailable, cause)
		}
		return fmt.Errorf("%w: redis is unavailable and no journal is configured", domain.ErrUnavailable)
	}
	r.logger.Warn("redis is unavailable, journaling deferral", "message_id", msg.Message.ID)
	return r.journal.Write(ctx, msg.JournalEntry())
}

func (r *QueueRepository) add(ctx context.Context, msg domain.DeferredMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred message: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.DeferredStream,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to XADD to %s: %w", domain.DeferredStream, err)
	}
	return nil
}

// ReadDeferred reads up to count new deferrals for consumer, blocking briefly
// when the stream is empty.
func (r *QueueRepository) ReadDeferred(ctx context.Context, group, consumer string, count int) ([]domain.DeferredMessage, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{domain.DeferredStream, ">"},
		Count:    int64(count),
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to XREADGROUP from %s: %w", domain.DeferredStream, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return decodeDeferred(streams[0].Messages, r.logger), nil
}

// AcknowledgeDeferred acknowledges handled deferrals.
func (r *QueueRepository) AcknowledgeDeferred(ctx context.Context, group string, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, domain.DeferredStream, group, streamIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK deferred messages: %w", err)
	}
	return nil
}

// MoveToDLQ copies msgs to the dead-letter stream.
func (r *QueueRepository) MoveToDLQ(ctx context.Context, msgs []domain.DeferredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			r.logger.Error("failed to marshal deferral for DLQ", "message_id", msg.Message.ID, "error", err)
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: domain.DeadLetterStream,
			Values: map[string]interface{}{
				"payload":         payload,
				"original_stream": domain.DeferredStream,
				"original_msg_id": msg.StreamID,
				"failed_at":       time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	r.logger.Warn("moved deferrals to DLQ", "count", len(msgs))
	return nil
}

// Notify publishes alert on the alert stream.
func (r *QueueRepository) Notify(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.AlertStream,
		MaxLen: alertStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":  payload,
			"severity": string(alert.Severity),
		},
	}).Err()
	if err != nil {
		if isNetworkError(err) {
			r.markUnavailable(err)
		}
		return fmt.Errorf("failed to publish alert %s: %w", alert.MessageID, err)
	}
	return nil
}

func (r *QueueRepository) setupConsumerGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, domain.DeferredStream, group, "0").Err()
	if err != nil && !isBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (r *QueueRepository) markUnavailable(err error) {
	if r.isAvailable.CompareAndSwap(true, false) {
		r.metrics.JournalActive.Set(1)
		r.logger.Error("redis connection lost", "error", err)
	}
}

// decodeDeferred unmarshals stream entries, skipping malformed ones.
func decodeDeferred(messages []redis.XMessage, logger *slog.Logger) []domain.DeferredMessage {
	out := make([]domain.DeferredMessage, 0, len(messages))
	for _, m := range messages {
		payload, ok := m.Values["payload"].(string)
		if !ok {
			logger.Warn("invalid entry format in stream, skipping", "stream_id", m.ID)
			continue
		}
		var msg domain.DeferredMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Warn("failed to unmarshal deferred message, skipping", "stream_id", m.ID, "error", err)
			continue
		}
		msg.StreamID = m.ID
		out = append(out, msg)
	}
	return out
}

func isBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused")
}
