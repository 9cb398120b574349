package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

// LineParser turns raw chat log lines into messages.
type LineParser interface {
	Parse(raw domain.RawLine) (domain.Message, bool)
	ParseFile(path string) ([]domain.Message, error)
}

// AlertReporter persists the alerts of a processed file.
type AlertReporter interface {
	Write(source string, alerts []domain.Alert) (string, error)
}

// IngestResult summarizes one ingested file or request body.
type IngestResult struct {
	Source     string      `json:"source"`
	Collection string      `json:"collection"`
	Parsed     int         `json:"parsed"`
	New        int         `json:"new"`
	Duplicates int         `json:"duplicates"`
	Dedup      DedupReport `json:"dedup"`
	Batch      BatchReport `json:"batch"`
	ReportPath string      `json:"report_path,omitempty"`
}

// IngestUseCase drives parsed messages through dedup and processing into
// the collection of their source.
type IngestUseCase struct {
	parser    LineParser
	vectors   domain.VectorStore
	dedup     *DeduplicateUseCase
	processor *ProcessMessagesUseCase
	reporter  AlertReporter
	metrics   *metrics.PipelineMetrics
	logger    *slog.Logger
}

// NewIngestUseCase creates a new IngestUseCase. reporter may be nil.
func NewIngestUseCase(
	parser LineParser,
	vectors domain.VectorStore,
	dedup *DeduplicateUseCase,
	processor *ProcessMessagesUseCase,
	reporter AlertReporter,
	m *metrics.PipelineMetrics,
	logger *slog.Logger,
) *IngestUseCase {
	return &IngestUseCase{
		parser:    parser,
		vectors:   vectors,
		dedup:     dedup,
		processor: processor,
		reporter:  reporter,
		metrics:   m,
		logger:    logger.With("component", "ingest"),
	}
}

// IngestFile processes a whole log file and writes its alert report.
func (uc *IngestUseCase) IngestFile(ctx context.Context, path string, session *domain.Session) (IngestResult, error) {
	msgs, err := uc.parser.ParseFile(path)
	if err != nil {
		return IngestResult{Source: path}, err
	}
	for _, m := range msgs {
		uc.countParsed(m)
	}

	res, err := uc.IngestMessages(ctx, path, msgs, session)
	if err != nil {
		return res, err
	}

	if uc.reporter != nil && len(res.Batch.Alerts) > 0 {
		reportPath, err := uc.reporter.Write(path, res.Batch.Alerts)
		if err != nil {
			uc.logger.Error("failed to write alert report", "file", path, "error", err)
		} else {
			res.ReportPath = reportPath
		}
	}
	return res, nil
}

// IngestLines parses lines received from source and processes them.
func (uc *IngestUseCase) IngestLines(ctx context.Context, source string, lines []string, session *domain.Session) (IngestResult, error) {
	msgs := uc.ParseLines(source, 1, lines)
	return uc.IngestMessages(ctx, source, msgs, session)
}

// ParseLines parses lines numbered from firstLine, dropping rejects.
func (uc *IngestUseCase) ParseLines(source string, firstLine int, lines []string) []domain.Message {
	msgs := make([]domain.Message, 0, len(lines))
	for i, line := range lines {
		msg, ok := uc.parser.Parse(domain.RawLine{Text: line, Source: source, Number: firstLine + i})
		if !ok {
			uc.metrics.LinesTotal.WithLabelValues("rejected").Inc()
			continue
		}
		uc.countParsed(msg)
		msgs = append(msgs, msg)
	}
	return msgs
}

// IngestMessages deduplicates msgs against the collection of source and
// processes what is new.
func (uc *IngestUseCase) IngestMessages(ctx context.Context, source string, msgs []domain.Message, session *domain.Session) (IngestResult, error) {
	collection := domain.CollectionName(source)
	res := IngestResult{Source: source, Collection: collection, Parsed: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}

	fresh, err := uc.vectors.EnsureCollection(ctx, collection)
	if err != nil {
		return res, fmt.Errorf("failed to prepare collection %s: %w", collection, err)
	}

	newMsgs, dedup := uc.dedup.Filter(ctx, collection, fresh, msgs)
	res.Dedup = dedup
	res.New = len(newMsgs)
	res.Duplicates = dedup.Duplicates()
	if session != nil {
		session.AddDuplicates(res.Duplicates)
	}

	batch, err := uc.processor.Process(ctx, collection, newMsgs)
	res.Batch = batch
	if session != nil {
		batch.Record(session)
	}
	if err != nil {
		return res, err
	}

	uc.logger.Info("ingested messages",
		"source", source,
		"collection", collection,
		"parsed", res.Parsed,
		"new", res.New,
		"duplicates", res.Duplicates,
		"alerts", len(batch.Alerts),
	)
	return res, nil
}

func (uc *IngestUseCase) countParsed(m domain.Message) {
	if m.ParsePattern < 0 {
		uc.metrics.LinesTotal.WithLabelValues("fallback").Inc()
		return
	}
	uc.metrics.LinesTotal.WithLabelValues("parsed").Inc()
}
