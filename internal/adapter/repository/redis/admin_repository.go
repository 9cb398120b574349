package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// AdminRepository gives operators a view over the deferred, dead-letter and
// alert streams, and lets them hand parked deferrals back to reconcile.
type AdminRepository struct {
	client *redis.Client
	logger *slog.Logger
}

func NewAdminRepository(client *redis.Client, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{
		client: client,
		logger: logger.With("component", "redis_admin"),
	}
}

func (r *AdminRepository) GetStreamInfo(ctx context.Context, stream string) (*domain.StreamInfo, error) {
	info, err := r.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO STREAM %s: %w", stream, err)
	}
	return &domain.StreamInfo{
		Name:         stream,
		Length:       info.Length,
		Groups:       info.Groups,
		FirstEntryID: info.FirstEntry.ID,
		LastEntryID:  info.LastEntry.ID,
	}, nil
}

func (r *AdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO GROUPS %s: %w", stream, err)
	}

	out := make([]domain.ConsumerGroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

func (r *AdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	consumers, err := r.client.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XINFO CONSUMERS %s %s: %w", stream, group, err)
	}

	out := make([]domain.ConsumerInfo, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, domain.ConsumerInfo{Name: c.Name, Pending: c.Pending, Idle: c.Idle})
	}
	return out, nil
}

func (r *AdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	p, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s %s: %w", stream, group, err)
	}
	return &domain.PendingMessageSummary{
		Total:          p.Count,
		FirstMessageID: p.Lower,
		LastMessageID:  p.Upper,
		ConsumerTotals: p.Consumers,
	}, nil
}

// GetPendingMessages lists unacknowledged entries from startID onwards. An
// empty consumer lists the whole group.
func (r *AdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		Start:    startID,
		End:      "+",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XPENDING %s %s: %w", stream, group, err)
	}

	out := make([]domain.PendingMessageDetail, 0, len(pending))
	for _, p := range pending {
		out = append(out, domain.PendingMessageDetail{
			ID:         p.ID,
			Consumer:   p.Consumer,
			IdleTime:   p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return out, nil
}

// ClaimMessages hands idle pending deferrals over to consumer, e.g. when a
// reconcile run died mid-drain.
func (r *AdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.DeferredMessage, error) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("XCLAIM %s %s: %w", stream, group, err)
	}
	return decodeDeferred(claimed, r.logger), nil
}

func (r *AdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, errors.New("at least one message ID is required")
	}
	return r.client.XAck(ctx, stream, group, messageIDs...).Result()
}

func (r *AdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return r.client.XTrimMaxLen(ctx, stream, maxLen).Result()
}

// DeadLetters returns up to count parked deferrals, newest first.
func (r *AdminRepository) DeadLetters(ctx context.Context, count int64) ([]domain.DeferredMessage, error) {
	entries, err := r.client.XRevRangeN(ctx, domain.DeadLetterStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("XREVRANGE %s: %w", domain.DeadLetterStream, err)
	}
	return decodeDeferred(entries, r.logger), nil
}

// RequeueDeadLetters moves the given dead-letter entries back onto the
// deferred stream with their attempt counter reset. Each move is atomic; ids
// that no longer exist are skipped. It returns how many entries moved.
func (r *AdminRepository) RequeueDeadLetters(ctx context.Context, streamIDs []string) (int, error) {
	moved := 0
	for _, id := range streamIDs {
		entries, err := r.client.XRange(ctx, domain.DeadLetterStream, id, id).Result()
		if err != nil {
			return moved, fmt.Errorf("XRANGE %s %s: %w", domain.DeadLetterStream, id, err)
		}
		msgs := decodeDeferred(entries, r.logger)
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		msg.Attempts = 0
		payload, err := json.Marshal(msg)
		if err != nil {
			return moved, fmt.Errorf("failed to marshal deferral %s: %w", msg.Message.ID, err)
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: domain.DeferredStream,
				Values: map[string]interface{}{"payload": payload},
			})
			pipe.XDel(ctx, domain.DeadLetterStream, id)
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("failed to requeue %s: %w", id, err)
		}
		moved++
	}

	if moved > 0 {
		r.logger.Info("requeued dead letters", "count", moved)
	}
	return moved, nil
}
