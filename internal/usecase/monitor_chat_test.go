package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/V4T54L/chatwatch/internal/adapter/parser"
	"github.com/V4T54L/chatwatch/internal/adapter/tailer"
	"github.com/V4T54L/chatwatch/internal/domain"
)

type fakeChangeSource struct {
	paths  []string
	events chan domain.FileEvent
}

func (f *fakeChangeSource) Discover() ([]string, error)     { return f.paths, nil }
func (f *fakeChangeSource) Events() <-chan domain.FileEvent { return f.events }

type monitorFixture struct {
	*processorFixture
	monitor *MonitorChatUseCase
	source  *fakeChangeSource
	session *domain.Session
}

func newMonitorFixture(t *testing.T, paths ...string) *monitorFixture {
	t.Helper()
	f := newProcessorFixture()
	m := testMetrics()
	logger := testLogger()

	dedup := NewDeduplicateUseCase(f.messages, f.vectors, m, logger)
	ingest := NewIngestUseCase(parser.New(false, logger), f.vectors, dedup, f.useCase(50), nil, m, logger)

	ckpt, err := tailer.NewCheckpoint("")
	if err != nil {
		t.Fatal(err)
	}
	tl := tailer.New(ckpt, 100, m, logger)
	source := &fakeChangeSource{paths: paths, events: make(chan domain.FileEvent, 8)}
	session := domain.NewSession("test")

	monitor, err := NewMonitorChatUseCase(tl, source, ingest, f.messages, session, m, logger, 100)
	if err != nil {
		t.Fatal(err)
	}
	return &monitorFixture{processorFixture: f, monitor: monitor, source: source, session: session}
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestMonitorChatUseCase_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan.log")
	writeLog(t, path, "[2024-01-15 14:30:00] <alice> old one\n[2024-01-15 14:30:01] <bob> old two\n")

	fx := newMonitorFixture(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.monitor.Run(ctx) }()

	waitFor(t, func() bool { return len(fx.messages.SavedIDs()) == 2 })

	writeLog(t, path, "[2024-01-15 14:31:00] <carol> one\n[2024-01-15 14:31:01] <dave> two\n[2024-01-15 14:31:02] <erin> three\n")
	fx.source.events <- domain.FileEvent{Path: path, Kind: domain.FileWritten}
	waitFor(t, func() bool { return len(fx.messages.SavedIDs()) == 5 })

	// A duplicate event with nothing appended must not reprocess anything.
	fx.source.events <- domain.FileEvent{Path: path, Kind: domain.FileWritten}
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	if got := len(fx.vectors.UpsertedIDs()); got != 5 {
		t.Errorf("expected 5 vector writes, got %d", got)
	}
	if got := fx.monitor.Stats().MessagesProcessed; got != 5 {
		t.Errorf("expected 5 processed messages, got %d", got)
	}
	if got := fx.session.Snapshot().Processed; got != 5 {
		t.Errorf("expected session to count 5 processed, got %d", got)
	}
}

func TestMonitorChatUseCase_PrefilterAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	fx := newMonitorFixture(t)
	ctx := context.Background()

	path := filepath.Join(dir, "later.log")
	line := "[2024-01-15 14:30:00] <alice> hello\n"
	writeLog(t, path, line+line)

	fx.monitor.HandleEvent(ctx, domain.FileEvent{Path: path, Kind: domain.FileCreated})

	if got := len(fx.messages.SavedIDs()); got != 1 {
		t.Fatalf("expected the repeated line to be stored once, got %d", got)
	}
	if got := fx.monitor.Stats().MessagesSkipped; got != 1 {
		t.Errorf("expected 1 skipped message, got %d", got)
	}

	writeLog(t, path, line)
	fx.monitor.HandleEvent(ctx, domain.FileEvent{Path: path, Kind: domain.FileWritten})
	if got := len(fx.classifier.Calls); got != 1 {
		t.Errorf("expected pre-filter to avoid classifying again, got %d calls", got)
	}
	if got := fx.session.Snapshot().Duplicates; got != 2 {
		t.Errorf("expected session to count 2 pre-filtered duplicates, got %d", got)
	}
	if got := fx.classifier.Calls[0].LineNumber; got != 1 {
		t.Errorf("expected the stored message to carry file line 1, got %d", got)
	}

	fx.monitor.HandleEvent(ctx, domain.FileEvent{Path: path, Kind: domain.FileRemoved})
	fx.monitor.HandleEvent(ctx, domain.FileEvent{Path: filepath.Join(dir, "gone.log"), Kind: domain.FileWritten})
}

func TestMonitorChatUseCase_WarmUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chan.log")
	writeLog(t, path, "[2024-01-15 14:30:00] <alice> hello\n")

	fx := newMonitorFixture(t)
	known := domain.MessageID("alice", "2024-01-15T14:30:00", "hello")
	fx.messages.Stored[known] = domain.MessageRecord{Message: domain.Message{ID: known}}

	ctx := context.Background()
	fx.monitor.warmUp(ctx)
	fx.monitor.HandleEvent(ctx, domain.FileEvent{Path: path, Kind: domain.FileCreated})

	if got := fx.monitor.Stats().CacheSize; got != 1 {
		t.Errorf("expected 1 warmed-up id, got %d", got)
	}
	if len(fx.classifier.Calls) != 0 {
		t.Errorf("expected warmed-up id to be skipped without classification, got %d calls", len(fx.classifier.Calls))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
