package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

// DedupReport describes what each tier removed from a batch.
type DedupReport struct {
	Input      int  `json:"input"`
	IntraBatch int  `json:"intra_batch"`
	Relational int  `json:"relational"`
	Vector     int  `json:"vector"`
	Persisted  int  `json:"persisted"`
	Divergent  int  `json:"divergent"`
	Bypassed   bool `json:"bypassed"`
	Fallback   bool `json:"fallback"`
	Output     int  `json:"output"`
}

// Duplicates is the number of messages removed in total.
func (r DedupReport) Duplicates() int { return r.Input - r.Output }

// DeduplicateUseCase filters out messages that were already processed.
type DeduplicateUseCase struct {
	messages domain.MessageStore
	vectors  domain.VectorStore
	metrics  *metrics.PipelineMetrics
	logger   *slog.Logger
}

// NewDeduplicateUseCase creates a new use case for filtering duplicates.
func NewDeduplicateUseCase(messages domain.MessageStore, vectors domain.VectorStore, m *metrics.PipelineMetrics, logger *slog.Logger) *DeduplicateUseCase {
	return &DeduplicateUseCase{
		messages: messages,
		vectors:  vectors,
		metrics:  m,
		logger:   logger.With("component", "dedup"),
	}
}

// Filter enriches msgs and returns those not yet processed for collection,
// preserving their order. When fresh is set the collection was just created
// and the stores are not consulted.
func (uc *DeduplicateUseCase) Filter(ctx context.Context, collection string, fresh bool, msgs []domain.Message) ([]domain.Message, DedupReport) {
	report := DedupReport{Input: len(msgs)}
	if len(msgs) == 0 {
		return nil, report
	}

	enriched := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		enriched[i] = domain.Enrich(m)
	}

	unique := uniqueByID(enriched)
	report.IntraBatch = len(enriched) - len(unique)
	uc.metrics.DuplicatesTotal.WithLabelValues("batch").Add(float64(report.IntraBatch))
	if report.IntraBatch > 0 {
		uc.logger.Debug("removed intra-batch duplicates", "collection", collection, "count", report.IntraBatch)
	}

	if fresh {
		report.Bypassed = true
		report.Output = len(unique)
		uc.logger.Info("fresh collection, skipping store lookups", "collection", collection, "messages", len(unique))
		return unique, report
	}

	out, err := uc.filterPersisted(ctx, collection, unique, &report)
	if err != nil {
		uc.logger.Error("store lookup failed, falling back to in-memory filter", "collection", collection, "error", err)
		report.Relational, report.Vector, report.Persisted, report.Divergent = 0, 0, 0, 0
		report.Fallback = true
		report.Output = len(unique)
		return unique, report
	}

	report.Output = len(out)
	return out, report
}

func (uc *DeduplicateUseCase) filterPersisted(ctx context.Context, collection string, msgs []domain.Message, report *DedupReport) ([]domain.Message, error) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	var inRelational, inVector domain.IDSet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := uc.messages.ExistingIDs(gctx, ids)
		if err != nil {
			return fmt.Errorf("relational lookup: %w", err)
		}
		inRelational = found
		return nil
	})
	g.Go(func() error {
		found, err := uc.vectors.ExistingIDs(gctx, collection, ids)
		if err != nil {
			return fmt.Errorf("vector lookup: %w", err)
		}
		inVector = found
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var relationalOnly, vectorOnly int
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		r, v := inRelational.Has(m.ID), inVector.Has(m.ID)
		if r {
			report.Relational++
		}
		if v {
			report.Vector++
		}
		switch {
		case r && v:
		case r:
			relationalOnly++
		case v:
			vectorOnly++
		default:
			out = append(out, m)
			continue
		}
		report.Persisted++
	}

	uc.metrics.DuplicatesTotal.WithLabelValues("relational").Add(float64(report.Relational))
	uc.metrics.DuplicatesTotal.WithLabelValues("vector").Add(float64(report.Vector))

	if relationalOnly > 0 || vectorOnly > 0 {
		report.Divergent = relationalOnly + vectorOnly
		uc.metrics.DivergenceTotal.Add(float64(report.Divergent))
		uc.logger.Warn("stores disagree on processed messages",
			"collection", collection,
			"relational_only", relationalOnly,
			"vector_only", vectorOnly,
		)
	}
	if report.Persisted > 0 {
		uc.logger.Info("removed already processed messages",
			"collection", collection,
			"relational", report.Relational,
			"vector", report.Vector,
		)
	}
	return out, nil
}

// uniqueByID keeps the first occurrence of each id.
func uniqueByID(msgs []domain.Message) []domain.Message {
	seen := make(domain.IDSet, len(msgs))
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if seen.Has(m.ID) {
			continue
		}
		seen.Add(m.ID)
		out = append(out, m)
	}
	return out
}
