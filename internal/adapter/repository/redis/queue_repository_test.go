package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deferral(text string) domain.DeferredMessage {
	return domain.DeferredMessage{
		Message: domain.Enrich(domain.Message{
			Username:  "alice",
			Text:      text,
			Timestamp: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC),
		}),
		Collection: "logs_2024_abcdef12",
		Reason:     "embedding failed",
	}
}

func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestQueueRepository_DeferFallsBackToJournal(t *testing.T) {
	journal := &mocks.MockJournal{}
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	repo := NewQueueRepository(unreachableClient(t), journal, m, testLogger())

	if repo.Available() {
		t.Fatal("expected repository to start unavailable")
	}
	if got := testutil.ToFloat64(m.JournalActive); got != 1 {
		t.Errorf("expected journal gauge 1, got %v", got)
	}

	msg := deferral("hello")
	if err := repo.Defer(context.Background(), msg); err != nil {
		t.Fatalf("Defer returned error: %v", err)
	}
	if len(journal.Entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(journal.Entries))
	}
	entry := journal.Entries[0]
	if entry.Kind != domain.JournalDeferred {
		t.Errorf("expected kind %q, got %q", domain.JournalDeferred, entry.Kind)
	}
	if entry.Message.ID != msg.Message.ID {
		t.Errorf("expected message id %s, got %s", msg.Message.ID, entry.Message.ID)
	}
	if entry.RecordedAt.IsZero() {
		t.Error("expected deferral time to be set")
	}
}

func TestQueueRepository_DeferWithoutJournal(t *testing.T) {
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	repo := NewQueueRepository(unreachableClient(t), nil, m, testLogger())

	err := repo.Defer(context.Background(), deferral("hello"))
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDecodeDeferred_SkipsMalformedEntries(t *testing.T) {
	entries := []redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"payload": `{"message":{"message_id":"a"},"collection":"c","attempts":2}`}},
		{ID: "2-0", Values: map[string]interface{}{"data": "wrong field"}},
		{ID: "3-0", Values: map[string]interface{}{"payload": "{not json"}},
	}

	got := decodeDeferred(entries, testLogger())
	if len(got) != 1 {
		t.Fatalf("expected 1 decoded message, got %d", len(got))
	}
	if got[0].StreamID != "1-0" || got[0].Message.ID != "a" || got[0].Attempts != 2 {
		t.Errorf("unexpected decoded message: %+v", got[0])
	}
}

func TestErrorClassification(t *testing.T) {
	if !isBusyGroupError(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("expected BUSYGROUP to be recognized")
	}
	if isBusyGroupError(errors.New("ERR unknown command")) {
		t.Error("expected other errors not to be BUSYGROUP")
	}
	if !isNetworkError(redis.ErrClosed) {
		t.Error("expected closed client to be a network error")
	}
	if !isNetworkError(context.DeadlineExceeded) {
		t.Error("expected deadline to be a network error")
	}
	if isNetworkError(errors.New("WRONGTYPE Operation against a key")) {
		t.Error("expected a server reply not to be a network error")
	}
}

// TestQueueRepository_RoundTrip runs against a real server when
// CHATWATCH_TEST_REDIS_ADDR is set. It uses database 15 and flushes it.
func TestQueueRepository_RoundTrip(t *testing.T) {
	addr := os.Getenv("CHATWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATWATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush test database: %v", err)
	}

	journal := &mocks.MockJournal{}
	journal.Entries = append(journal.Entries,
		deferral("journaled").JournalEntry(),
		domain.JournalEntry{Kind: domain.JournalInconsistency, Message: deferral("kept").Message},
	)
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	repo := NewQueueRepository(client, journal, m, testLogger())

	if err := repo.Defer(ctx, deferral("direct")); err != nil {
		t.Fatalf("Defer returned error: %v", err)
	}
	requeued, err := repo.ReplayJournal(ctx)
	if err != nil {
		t.Fatalf("ReplayJournal returned error: %v", err)
	}
	if requeued != 1 {
		t.Errorf("expected 1 requeued deferral, got %d", requeued)
	}

	batch, err := repo.ReadDeferred(ctx, ReconcileGroup, "test-consumer", 10)
	if err != nil {
		t.Fatalf("ReadDeferred returned error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 deferrals, got %d", len(batch))
	}

	admin := NewAdminRepository(client, testLogger())
	summary, err := admin.GetPendingSummary(ctx, domain.DeferredStream, ReconcileGroup)
	if err != nil {
		t.Fatalf("GetPendingSummary returned error: %v", err)
	}
	if summary.Total != 2 {
		t.Errorf("expected 2 pending, got %d", summary.Total)
	}

	if err := repo.MoveToDLQ(ctx, batch[:1]); err != nil {
		t.Fatalf("MoveToDLQ returned error: %v", err)
	}
	if err := repo.AcknowledgeDeferred(ctx, ReconcileGroup, batch[0].StreamID, batch[1].StreamID); err != nil {
		t.Fatalf("AcknowledgeDeferred returned error: %v", err)
	}

	info, err := admin.GetStreamInfo(ctx, domain.DeadLetterStream)
	if err != nil {
		t.Fatalf("GetStreamInfo returned error: %v", err)
	}
	if info.Length != 1 {
		t.Errorf("expected 1 dead letter, got %d", info.Length)
	}

	if err := repo.Notify(ctx, domain.NewAlert(batch[0].Message, domain.Analysis{ToxicityScore: 0.9})); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	alerts, err := admin.GetStreamInfo(ctx, domain.AlertStream)
	if err != nil {
		t.Fatalf("GetStreamInfo returned error: %v", err)
	}
	if alerts.Length != 1 {
		t.Errorf("expected 1 alert, got %d", alerts.Length)
	}
}
