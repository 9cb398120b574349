package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// ErrUnknownStream is returned for streams the pipeline does not own.
var ErrUnknownStream = errors.New("unknown stream")

// AdminStreamUseCase provides use cases for stream administration.
type AdminStreamUseCase struct {
	repo domain.StreamAdminRepository
}

// NewAdminStreamUseCase creates a new AdminStreamUseCase.
func NewAdminStreamUseCase(repo domain.StreamAdminRepository) *AdminStreamUseCase {
	return &AdminStreamUseCase{repo: repo}
}

func checkStream(stream string) error {
	if !domain.IsKnownStream(stream) {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return nil
}

// Streams summarizes every stream the pipeline writes to.
func (uc *AdminStreamUseCase) Streams(ctx context.Context) ([]domain.StreamInfo, error) {
	streams := []string{domain.DeferredStream, domain.DeadLetterStream, domain.AlertStream}
	infos := make([]domain.StreamInfo, 0, len(streams))
	for _, s := range streams {
		info, err := uc.repo.GetStreamInfo(ctx, s)
		if err != nil {
			// A stream that was never written to does not exist yet.
			infos = append(infos, domain.StreamInfo{Name: s})
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func (uc *AdminStreamUseCase) GetStreamInfo(ctx context.Context, stream string) (*domain.StreamInfo, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetStreamInfo(ctx, stream)
}

func (uc *AdminStreamUseCase) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetGroupInfo(ctx, stream)
}

func (uc *AdminStreamUseCase) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetConsumerInfo(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.GetPendingSummary(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingMessages(ctx context.Context, stream, group, consumer string, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	if startID == "" {
		startID = "-"
	}
	if count <= 0 {
		count = 100 // Default count
	}
	return uc.repo.GetPendingMessages(ctx, stream, group, consumer, startID, count)
}

func (uc *AdminStreamUseCase) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.DeferredMessage, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	return uc.repo.ClaimMessages(ctx, stream, group, consumer, minIdleTime, messageIDs)
}

func (uc *AdminStreamUseCase) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if err := checkStream(stream); err != nil {
		return 0, err
	}
	return uc.repo.AcknowledgeMessages(ctx, stream, group, messageIDs...)
}

func (uc *AdminStreamUseCase) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	if err := checkStream(stream); err != nil {
		return 0, err
	}
	return uc.repo.TrimStream(ctx, stream, maxLen)
}

// DeadLetters lists up to count parked deferrals; non-positive counts use 100.
func (uc *AdminStreamUseCase) DeadLetters(ctx context.Context, count int64) ([]domain.DeferredMessage, error) {
	if count <= 0 {
		count = 100
	}
	return uc.repo.DeadLetters(ctx, count)
}

// RequeueDeadLetters hands parked deferrals back to the next reconcile run.
func (uc *AdminStreamUseCase) RequeueDeadLetters(ctx context.Context, streamIDs []string) (int, error) {
	if len(streamIDs) == 0 {
		return 0, fmt.Errorf("%w: no stream ids", domain.ErrInvalidInput)
	}
	return uc.repo.RequeueDeadLetters(ctx, streamIDs)
}
