package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	defaultBatchSize     = 50
	progressEveryNChunks = 5
)

// BatchReport summarizes one Process call.
type BatchReport struct {
	Alerts        []domain.Alert   `json:"alerts"`
	Persisted     int              `json:"persisted"`
	AlreadyStored int              `json:"already_stored"`
	Skipped       []domain.Message `json:"skipped"`
	Inconsistent  int              `json:"inconsistent"`
	Defaulted     int              `json:"defaulted"`
	Processed     int              `json:"processed"`
	Chunks        int              `json:"chunks"`
	Elapsed       time.Duration    `json:"elapsed_ns"`
}

// Merge folds another report into r.
func (r *BatchReport) Merge(o BatchReport) {
	r.Alerts = append(r.Alerts, o.Alerts...)
	r.Persisted += o.Persisted
	r.AlreadyStored += o.AlreadyStored
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.Inconsistent += o.Inconsistent
	r.Defaulted += o.Defaulted
	r.Processed += o.Processed
	r.Chunks += o.Chunks
	r.Elapsed += o.Elapsed
}

// Record adds the report's counters to a session.
func (r BatchReport) Record(s *domain.Session) {
	s.AddProcessed(r.Processed)
	s.AddAlerts(len(r.Alerts))
	s.AddSkipped(len(r.Skipped))
	s.AddErrors(r.Inconsistent)
}

// ProcessMessagesUseCase classifies, embeds and persists messages to both
// stores, raising alerts for actionable ones.
type ProcessMessagesUseCase struct {
	classifier domain.Classifier
	embedder   domain.Embedder
	vectors    domain.VectorStore
	messages   domain.MessageStore
	journal    domain.JournalRepository
	deferred   domain.DeferredQueue
	notifier   domain.Notifier
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
	batchSize  int
	exempt     string

	mu      sync.Mutex
	alerted domain.IDSet
}

// ProcessorOptions carries the tunables of ProcessMessagesUseCase.
type ProcessorOptions struct {
	BatchSize      int
	ExemptUsername string
}

// NewProcessMessagesUseCase creates a new use case for processing messages.
// deferred may be nil, in which case deferrals go straight to the journal.
func NewProcessMessagesUseCase(
	classifier domain.Classifier,
	embedder domain.Embedder,
	vectors domain.VectorStore,
	messages domain.MessageStore,
	journal domain.JournalRepository,
	deferred domain.DeferredQueue,
	notifier domain.Notifier,
	m *metrics.PipelineMetrics,
	logger *slog.Logger,
	opts ProcessorOptions,
) *ProcessMessagesUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &ProcessMessagesUseCase{
		classifier: classifier,
		embedder:   embedder,
		vectors:    vectors,
		messages:   messages,
		journal:    journal,
		deferred:   deferred,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With("component", "processor"),
		batchSize:  opts.BatchSize,
		exempt:     strings.ToLower(strings.TrimSpace(opts.ExemptUsername)),
		alerted:    make(domain.IDSet),
	}
}

// Process runs msgs through the pipeline in chunks. Cancelling ctx stops
// before the next chunk; a chunk that has started always completes. The
// returned report covers every chunk that ran.
func (uc *ProcessMessagesUseCase) Process(ctx context.Context, collection string, msgs []domain.Message) (BatchReport, error) {
	return uc.run(ctx, collection, msgs, true)
}

// Reprocess is Process for messages coming back from the deferred queue.
// Messages skipped again are only reported; the caller owns their retry.
func (uc *ProcessMessagesUseCase) Reprocess(ctx context.Context, collection string, msgs []domain.Message) (BatchReport, error) {
	return uc.run(ctx, collection, msgs, false)
}

func (uc *ProcessMessagesUseCase) run(ctx context.Context, collection string, msgs []domain.Message, deferSkipped bool) (BatchReport, error) {
	var report BatchReport
	if len(msgs) == 0 {
		return report, nil
	}

	start := time.Now()
	total := (len(msgs) + uc.batchSize - 1) / uc.batchSize

	for i := 0; i < len(msgs); i += uc.batchSize {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}

		end := min(i+uc.batchSize, len(msgs))
		chunkNum := i/uc.batchSize + 1
		chunkStart := time.Now()

		chunk := uc.processChunk(context.WithoutCancel(ctx), collection, msgs[i:end], deferSkipped)
		report.Merge(chunk)

		if chunkNum%progressEveryNChunks == 0 || chunkNum == total {
			elapsed := time.Since(chunkStart).Seconds()
			var rate float64
			if elapsed > 0 {
				rate = float64(end-i) / elapsed
			}
			uc.logger.Info("chunk completed",
				"collection", collection,
				"chunk", chunkNum,
				"chunks", total,
				"processed", report.Processed,
				"total", len(msgs),
				"rate_msg_per_sec", fmt.Sprintf("%.1f", rate),
				"alerts", len(report.Alerts),
			)
		}
	}

	report.Elapsed = time.Since(start)
	return report, nil
}

func (uc *ProcessMessagesUseCase) processChunk(ctx context.Context, collection string, msgs []domain.Message, deferSkipped bool) BatchReport {
	report := BatchReport{Chunks: 1}
	for _, m := range msgs {
		uc.processOne(ctx, collection, domain.Enrich(m), deferSkipped, &report)
		report.Processed++
	}
	return report
}

func (uc *ProcessMessagesUseCase) processOne(ctx context.Context, collection string, msg domain.Message, deferSkipped bool, report *BatchReport) {
	analysis, err := uc.classifier.Classify(ctx, msg)
	if err != nil {
		uc.logger.Warn("classification failed, using default analysis", "message_id", msg.ID, "error", err)
		analysis = domain.DefaultAnalysis(msg, err.Error())
		report.Defaulted++
	}
	analysis.MessageID = msg.ID

	vector, err := uc.embedder.Embed(ctx, msg.Text)
	if err == nil && len(vector) == 0 {
		err = errors.New("empty embedding")
	}
	if err != nil {
		uc.logger.Warn("embedding failed, skipping message", "message_id", msg.ID, "error", err)
		report.Skipped = append(report.Skipped, msg)
		uc.metrics.MessagesTotal.WithLabelValues("skipped").Inc()
		if deferSkipped {
			uc.deferMessage(ctx, collection, msg, "embedding failed: "+err.Error())
		}
		return
	}

	point := domain.VectorPoint{
		PointID:   uuid.NewString(),
		MessageID: msg.ID,
		Vector:    vector,
		Payload:   domain.PointPayload{Message: msg, Analysis: analysis},
	}
	vecInserted, err := uc.vectors.Upsert(ctx, collection, point)
	if err != nil {
		uc.logger.Error("vector upsert failed, skipping message", "message_id", msg.ID, "error", err)
		report.Skipped = append(report.Skipped, msg)
		uc.metrics.MessagesTotal.WithLabelValues("skipped").Inc()
		if deferSkipped {
			uc.deferMessage(ctx, collection, msg, "vector upsert failed: "+err.Error())
		}
		return
	}

	rec := domain.MessageRecord{Message: msg, Analysis: analysis, PointID: point.PointID}
	relInserted, err := uc.messages.SaveAnalysis(ctx, rec)
	if err != nil {
		uc.declareInconsistency(ctx, collection, rec, err)
		report.Inconsistent++
	} else if vecInserted || relInserted {
		report.Persisted++
		uc.metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	} else {
		report.AlreadyStored++
	}

	if alert, ok := uc.alertFor(msg, analysis); ok {
		report.Alerts = append(report.Alerts, alert)
		uc.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
		if uc.notifier != nil {
			if err := uc.notifier.Notify(ctx, alert); err != nil {
				uc.logger.Error("failed to deliver alert", "message_id", msg.ID, "error", err)
			}
		}
	}
}

// alertFor raises at most one alert per message id for the lifetime of the use case.
func (uc *ProcessMessagesUseCase) alertFor(msg domain.Message, a domain.Analysis) (domain.Alert, bool) {
	if !a.RequiresAction {
		return domain.Alert{}, false
	}
	if uc.exempt != "" && strings.ToLower(msg.Username) == uc.exempt {
		return domain.Alert{}, false
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.alerted.Has(msg.ID) {
		return domain.Alert{}, false
	}
	uc.alerted.Add(msg.ID)
	return domain.NewAlert(msg, a), true
}

func (uc *ProcessMessagesUseCase) declareInconsistency(ctx context.Context, collection string, rec domain.MessageRecord, cause error) {
	uc.metrics.Inconsistencies.Inc()
	uc.metrics.MessagesTotal.WithLabelValues("inconsistent").Inc()
	uc.logger.Error("relational write failed after vector write",
		"message_id", rec.Message.ID,
		"collection", collection,
		"point_id", rec.PointID,
		"error", cause,
	)

	analysis := rec.Analysis
	entry := domain.JournalEntry{
		Kind:       domain.JournalInconsistency,
		Collection: collection,
		Message:    rec.Message,
		Analysis:   &analysis,
		PointID:    rec.PointID,
		Reason:     cause.Error(),
		RecordedAt: time.Now(),
	}
	if err := uc.journal.Write(ctx, entry); err != nil {
		uc.logger.Error("failed to journal inconsistency", "message_id", rec.Message.ID, "error", err)
	}
}

func (uc *ProcessMessagesUseCase) deferMessage(ctx context.Context, collection string, msg domain.Message, reason string) {
	d := domain.DeferredMessage{
		Message:    msg,
		Collection: collection,
		Reason:     reason,
		DeferredAt: time.Now(),
	}
	uc.metrics.MessagesTotal.WithLabelValues("deferred").Inc()

	if uc.deferred != nil {
		err := uc.deferred.Defer(ctx, d)
		if err == nil {
			return
		}
		uc.logger.Warn("failed to queue deferred message, journaling it", "message_id", msg.ID, "error", err)
	}
	if err := uc.journal.Write(ctx, d.JournalEntry()); err != nil {
		uc.logger.Error("failed to journal deferred message", "message_id", msg.ID, "error", err)
	}
}
