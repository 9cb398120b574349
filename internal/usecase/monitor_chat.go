package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	defaultCacheSize = 50000
	warmUpWindow     = 24 * time.Hour
)

// FileTailer reads what was appended to chat logs since the last read.
type FileTailer interface {
	Bootstrap(path string) (domain.FileDelta, error)
	Track(path string) bool
	Read(path string) (domain.FileDelta, error)
	Forget(path string)
	Save() error
}

// ChangeSource discovers chat logs and reports changes to them.
type ChangeSource interface {
	Discover() ([]string, error)
	Events() <-chan domain.FileEvent
}

// MonitorStats are the counters of a real-time monitoring run.
type MonitorStats struct {
	MessagesProcessed int64         `json:"messages_processed"`
	MessagesSkipped   int64         `json:"messages_skipped"`
	AlertsGenerated   int64         `json:"alerts_generated"`
	ProcessingTime    time.Duration `json:"processing_time_ns"`
	CacheSize         int           `json:"cache_size"`
}

// MonitorChatUseCase follows growing chat logs and feeds new lines through
// the pipeline. All file handling happens on the goroutine running Run.
type MonitorChatUseCase struct {
	tailer   FileTailer
	source   ChangeSource
	ingest   *IngestUseCase
	messages domain.MessageStore
	session  *domain.Session
	metrics  *metrics.PipelineMetrics
	logger   *slog.Logger

	ids    *lru.Cache[string, struct{}]
	hashes *lru.Cache[string, struct{}]

	processed      atomic.Int64
	skipped        atomic.Int64
	alerts         atomic.Int64
	processingTime atomic.Int64
}

// NewMonitorChatUseCase creates a new use case for real-time monitoring.
// cacheSize bounds each of the two pre-filter caches.
func NewMonitorChatUseCase(
	tailer FileTailer,
	source ChangeSource,
	ingest *IngestUseCase,
	messages domain.MessageStore,
	session *domain.Session,
	m *metrics.PipelineMetrics,
	logger *slog.Logger,
	cacheSize int,
) (*MonitorChatUseCase, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	ids, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create id cache: %w", err)
	}
	hashes, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create content cache: %w", err)
	}

	return &MonitorChatUseCase{
		tailer:   tailer,
		source:   source,
		ingest:   ingest,
		messages: messages,
		session:  session,
		metrics:  m,
		logger:   logger.With("component", "monitor"),
		ids:      ids,
		hashes:   hashes,
	}, nil
}

// Run catches up with existing logs, then handles file events until ctx is
// cancelled or the event source closes. A delta being processed when ctx
// is cancelled is finished first.
func (uc *MonitorChatUseCase) Run(ctx context.Context) error {
	uc.warmUp(ctx)

	paths, err := uc.source.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover chat logs: %w", err)
	}
	uc.logger.Info("starting catch-up", "files", len(paths))
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		delta, err := uc.tailer.Bootstrap(path)
		if err != nil {
			uc.logger.Error("failed to bootstrap file", "file", path, "error", err)
			continue
		}
		uc.handleDelta(context.WithoutCancel(ctx), delta)
	}
	uc.saveCursors()

	events := uc.source.Events()
	for {
		select {
		case <-ctx.Done():
			uc.saveCursors()
			uc.logger.Info("monitor stopped", "stats", uc.Stats())
			return nil
		case ev, ok := <-events:
			if !ok {
				uc.saveCursors()
				return nil
			}
			uc.HandleEvent(context.WithoutCancel(ctx), ev)
			uc.saveCursors()
		}
	}
}

// HandleEvent processes a single file event synchronously.
func (uc *MonitorChatUseCase) HandleEvent(ctx context.Context, ev domain.FileEvent) {
	if ev.Kind == domain.FileRemoved {
		uc.logger.Info("chat log removed", "file", ev.Path)
		uc.tailer.Forget(ev.Path)
		return
	}

	if uc.tailer.Track(ev.Path) {
		uc.logger.Info("new chat log detected", "file", ev.Path)
	}
	delta, err := uc.tailer.Read(ev.Path)
	if err != nil {
		uc.logger.Error("failed to read appended lines", "file", ev.Path, "error", err)
		return
	}
	uc.handleDelta(ctx, delta)
	uc.saveCursors()
}

func (uc *MonitorChatUseCase) handleDelta(ctx context.Context, delta domain.FileDelta) {
	if len(delta.Lines) == 0 {
		return
	}
	start := time.Now()
	defer func() { uc.processingTime.Add(int64(time.Since(start))) }()

	parsed := uc.ingest.ParseLines(delta.Path, delta.FirstLine, delta.Lines)

	fresh := make([]domain.Message, 0, len(parsed))
	for _, m := range parsed {
		m = domain.Enrich(m)
		if uc.seen(m) {
			continue
		}
		fresh = append(fresh, m)
	}
	if known := len(parsed) - len(fresh); known > 0 {
		uc.skipped.Add(int64(known))
		uc.metrics.DuplicatesTotal.WithLabelValues("prefilter").Add(float64(known))
		uc.session.AddDuplicates(known)
	}
	if len(fresh) == 0 {
		return
	}

	res, err := uc.ingest.IngestMessages(ctx, delta.Path, fresh, uc.session)
	if err != nil {
		uc.logger.Error("failed to process appended lines", "file", delta.Path, "error", err)
		return
	}

	skipped := make(domain.IDSet, len(res.Batch.Skipped))
	for _, m := range res.Batch.Skipped {
		skipped.Add(m.ID)
	}
	for _, m := range fresh {
		if !skipped.Has(m.ID) {
			uc.ids.Add(m.ID, struct{}{})
		}
	}

	uc.processed.Add(int64(res.Batch.Processed))
	uc.skipped.Add(int64(res.Duplicates))
	uc.alerts.Add(int64(len(res.Batch.Alerts)))
	for _, a := range res.Batch.Alerts {
		if a.Severity == domain.SeverityCritical {
			uc.logger.Warn("critical alert", "user", a.Username, "text", a.Text, "toxicity", a.Toxicity, "action", a.Action)
		}
	}
}

// seen is the quick pre-filter: a known id, or an identical author, text
// and timestamp already read.
func (uc *MonitorChatUseCase) seen(m domain.Message) bool {
	if uc.ids.Contains(m.ID) {
		return true
	}
	hash := domain.ContentHash(m)
	if uc.hashes.Contains(hash) {
		return true
	}
	uc.hashes.Add(hash, struct{}{})
	return false
}

// warmUp loads the ids analyzed recently so a restart does not re-query them.
func (uc *MonitorChatUseCase) warmUp(ctx context.Context) {
	ids, err := uc.messages.IDsSince(ctx, time.Now().Add(-warmUpWindow))
	if err != nil {
		uc.logger.Warn("failed to warm up id cache", "error", err)
		return
	}
	for _, id := range ids {
		uc.ids.Add(id, struct{}{})
	}
	uc.logger.Info("id cache warmed up", "ids", uc.ids.Len())
}

func (uc *MonitorChatUseCase) saveCursors() {
	if err := uc.tailer.Save(); err != nil {
		uc.logger.Error("failed to save cursors", "error", err)
	}
}

// Stats returns the monitor's counters.
func (uc *MonitorChatUseCase) Stats() MonitorStats {
	return MonitorStats{
		MessagesProcessed: uc.processed.Load(),
		MessagesSkipped:   uc.skipped.Load(),
		AlertsGenerated:   uc.alerts.Load(),
		ProcessingTime:    time.Duration(uc.processingTime.Load()),
		CacheSize:         uc.ids.Len(),
	}
}
