package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	defaultScanPageSize = 500
	deferredReadCount   = 100
	maxDeferredAttempts = 3
)

// RecordRestorer is implemented by message stores that can bulk-load records.
type RecordRestorer interface {
	RestoreRecords(ctx context.Context, recs []domain.MessageRecord) (int, error)
}

// ReconcileReport summarizes a reconciliation sweep.
type ReconcileReport struct {
	JournalEntries    int `json:"journal_entries"`
	JournalRestored   int `json:"journal_restored"`
	JournalReplayed   int `json:"journal_deferrals_replayed"`
	Collections       int `json:"collections"`
	PointsScanned     int `json:"points_scanned"`
	SweepRestored     int `json:"sweep_restored"`
	DeferredRead      int `json:"deferred_read"`
	DeferredRecovered int `json:"deferred_recovered"`
	DeferredRetried   int `json:"deferred_retried"`
	DeadLettered      int `json:"dead_lettered"`
}

// ReconcileUseCase repairs divergence between the two stores: it replays
// the journal, sweeps vector collections for rows missing relationally and
// drains the deferred queue.
type ReconcileUseCase struct {
	messages  domain.MessageStore
	vectors   domain.VectorStore
	journal   domain.JournalRepository
	queue     domain.DeferredQueue
	dedup     *DeduplicateUseCase
	processor *ProcessMessagesUseCase
	metrics   *metrics.PipelineMetrics
	logger    *slog.Logger
	group     string
	consumer  string
	pageSize  int
}

// NewReconcileUseCase creates a reconciler. queue may be nil, in which case
// the drain step is skipped.
func NewReconcileUseCase(
	messages domain.MessageStore,
	vectors domain.VectorStore,
	journal domain.JournalRepository,
	queue domain.DeferredQueue,
	dedup *DeduplicateUseCase,
	processor *ProcessMessagesUseCase,
	m *metrics.PipelineMetrics,
	logger *slog.Logger,
	group, consumer string,
) *ReconcileUseCase {
	return &ReconcileUseCase{
		messages:  messages,
		vectors:   vectors,
		journal:   journal,
		queue:     queue,
		dedup:     dedup,
		processor: processor,
		metrics:   m,
		logger:    logger.With("component", "reconcile"),
		group:     group,
		consumer:  consumer,
		pageSize:  defaultScanPageSize,
	}
}

// Run performs every step, continuing past failures, and returns their
// joined errors.
func (uc *ReconcileUseCase) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var errs []error

	if err := uc.ReplayJournal(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("journal replay: %w", err))
	}
	if err := uc.SweepVectors(ctx, &report); err != nil {
		errs = append(errs, fmt.Errorf("vector sweep: %w", err))
	}
	if uc.queue != nil {
		if err := uc.DrainDeferred(ctx, &report); err != nil {
			errs = append(errs, fmt.Errorf("deferred drain: %w", err))
		}
	}

	uc.logger.Info("reconciliation finished",
		"journal_entries", report.JournalEntries,
		"journal_restored", report.JournalRestored,
		"points_scanned", report.PointsScanned,
		"sweep_restored", report.SweepRestored,
		"deferred_recovered", report.DeferredRecovered,
		"dead_lettered", report.DeadLettered,
	)
	return report, errors.Join(errs...)
}

// ReplayJournal restores the relational rows of declared inconsistencies and
// reprocesses journaled deferrals, then truncates the journal. Deferrals
// skipped again are written back after the truncation.
func (uc *ReconcileUseCase) ReplayJournal(ctx context.Context, report *ReconcileReport) error {
	var (
		records  []domain.MessageRecord
		deferred []domain.DeferredMessage
	)
	err := uc.journal.Replay(ctx, func(entry domain.JournalEntry) error {
		report.JournalEntries++
		switch entry.Kind {
		case domain.JournalInconsistency:
			analysis := domain.DefaultAnalysis(entry.Message, "analysis missing from journal")
			if entry.Analysis != nil {
				analysis = *entry.Analysis
			}
			records = append(records, domain.MessageRecord{Message: entry.Message, Analysis: analysis, PointID: entry.PointID})
		case domain.JournalDeferred:
			deferred = append(deferred, entry.Deferred())
		default:
			uc.logger.Warn("skipping journal entry of unknown kind", "kind", entry.Kind, "message_id", entry.Message.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if report.JournalEntries == 0 {
		return nil
	}

	restored, err := uc.restoreMissing(ctx, records)
	if err != nil {
		return err
	}
	report.JournalRestored = restored

	retry, _, err := uc.redrive(ctx, deferred)
	if err != nil {
		return err
	}
	report.JournalReplayed = len(deferred)

	if err := uc.journal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	for _, d := range retry {
		if err := uc.journal.Write(ctx, d.JournalEntry()); err != nil {
			uc.logger.Error("failed to re-journal deferral", "message_id", d.Message.ID, "error", err)
		}
	}

	uc.logger.Info("journal replayed",
		"entries", report.JournalEntries,
		"restored", restored,
		"deferrals", len(deferred),
		"still_deferred", len(retry),
	)
	return nil
}

// SweepVectors pages through every collection and re-derives relational rows
// for points whose message id is missing.
func (uc *ReconcileUseCase) SweepVectors(ctx context.Context, report *ReconcileReport) error {
	collections, err := uc.vectors.Collections(ctx)
	if err != nil {
		return err
	}
	report.Collections = len(collections)

	for _, coll := range collections {
		after := ""
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			points, err := uc.vectors.ScanPoints(ctx, coll, after, uc.pageSize)
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", coll, err)
			}
			if len(points) == 0 {
				break
			}
			report.PointsScanned += len(points)
			after = points[len(points)-1].MessageID

			recs := make([]domain.MessageRecord, len(points))
			for i, p := range points {
				recs[i] = p.Record()
				if recs[i].Message.ID == "" {
					recs[i].Message.ID = p.MessageID
				}
			}
			restored, err := uc.restoreMissing(ctx, recs)
			if err != nil {
				return fmt.Errorf("failed to restore rows of %s: %w", coll, err)
			}
			if restored > 0 {
				uc.metrics.DivergenceTotal.Add(float64(restored))
				uc.logger.Warn("restored rows missing relationally", "collection", coll, "count", restored)
			}
			report.SweepRestored += restored

			if len(points) < uc.pageSize {
				break
			}
		}
	}
	return nil
}

// DrainDeferred reads the deferred queue until it is empty, re-driving each
// message through dedup and processing. Messages that fail again are
// re-queued once the drain is over, or dead-lettered after their last attempt.
func (uc *ReconcileUseCase) DrainDeferred(ctx context.Context, report *ReconcileReport) error {
	var retry []domain.DeferredMessage

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := uc.queue.ReadDeferred(ctx, uc.group, uc.consumer, deferredReadCount)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		report.DeferredRead += len(batch)

		failed, recovered, err := uc.redrive(ctx, batch)
		if err != nil {
			return err
		}
		report.DeferredRecovered += recovered

		var dead []domain.DeferredMessage
		for _, d := range failed {
			if d.Attempts >= maxDeferredAttempts {
				dead = append(dead, d)
			} else {
				retry = append(retry, d)
			}
		}
		if err := uc.queue.MoveToDLQ(ctx, dead); err != nil {
			return err
		}
		report.DeadLettered += len(dead)

		ids := make([]string, 0, len(batch))
		for _, d := range batch {
			if d.StreamID != "" {
				ids = append(ids, d.StreamID)
			}
		}
		if err := uc.queue.AcknowledgeDeferred(ctx, uc.group, ids...); err != nil {
			return err
		}
	}

	for _, d := range retry {
		d.StreamID = ""
		if err := uc.queue.Defer(ctx, d); err != nil {
			uc.logger.Error("failed to re-queue deferral", "message_id", d.Message.ID, "error", err)
			continue
		}
		report.DeferredRetried++
	}
	return nil
}

// redrive reprocesses deferrals grouped by collection. It returns the
// deferrals skipped again, with their attempt count raised, and how many
// were persisted or found already stored.
func (uc *ReconcileUseCase) redrive(ctx context.Context, batch []domain.DeferredMessage) ([]domain.DeferredMessage, int, error) {
	if len(batch) == 0 {
		return nil, 0, nil
	}

	var order []string
	byCollection := make(map[string][]domain.DeferredMessage)
	for _, d := range batch {
		if _, ok := byCollection[d.Collection]; !ok {
			order = append(order, d.Collection)
		}
		byCollection[d.Collection] = append(byCollection[d.Collection], d)
	}

	var failed []domain.DeferredMessage
	recovered := 0
	for _, coll := range order {
		group := byCollection[coll]
		fresh, err := uc.vectors.EnsureCollection(ctx, coll)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to prepare collection %s: %w", coll, err)
		}

		msgs := make([]domain.Message, len(group))
		for i, d := range group {
			msgs[i] = domain.Enrich(d.Message)
		}
		newMsgs, _ := uc.dedup.Filter(ctx, coll, fresh, msgs)

		batchReport, err := uc.processor.Reprocess(ctx, coll, newMsgs)
		if err != nil {
			return nil, 0, err
		}

		skipped := domain.NewIDSet()
		for _, m := range batchReport.Skipped {
			skipped.Add(m.ID)
		}
		for _, d := range group {
			if !skipped.Has(domain.Enrich(d.Message).ID) {
				recovered++
				continue
			}
			d.Attempts++
			d.DeferredAt = time.Now().UTC()
			failed = append(failed, d)
		}
	}
	return failed, recovered, nil
}

// restoreMissing inserts the records whose id is not stored relationally and
// returns how many were added.
func (uc *ReconcileUseCase) restoreMissing(ctx context.Context, recs []domain.MessageRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.Message.ID
	}
	existing, err := uc.messages.ExistingIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	missing := make([]domain.MessageRecord, 0, len(recs))
	for _, r := range recs {
		if !existing.Has(r.Message.ID) {
			missing = append(missing, r)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if restorer, ok := uc.messages.(RecordRestorer); ok {
		return restorer.RestoreRecords(ctx, missing)
	}

	restored := 0
	for _, r := range missing {
		inserted, err := uc.messages.SaveAnalysis(ctx, r)
		if err != nil {
			return restored, fmt.Errorf("failed to restore %s: %w", r.Message.ID, err)
		}
		if inserted {
			restored++
		}
	}
	return restored, nil
}
