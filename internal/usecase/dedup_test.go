package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.PipelineMetrics {
	return metrics.NewPipelineMetrics(prometheus.NewRegistry())
}

func chatMessage(user, text string, sec int) domain.Message {
	return domain.Enrich(domain.Message{
		Username:   user,
		Text:       text,
		Timestamp:  time.Date(2024, 1, 15, 14, 30, sec, 0, time.Local),
		FileSource: "chan.log",
	})
}

func TestDeduplicateUseCase_Filter(t *testing.T) {
	logger := testLogger()
	a := chatMessage("alice", "hello", 1)
	b := chatMessage("bob", "hey", 2)
	c := chatMessage("carol", "yo", 3)
	d := chatMessage("dave", "sup", 4)

	t.Run("Intra-batch duplicates", func(t *testing.T) {
		uc := NewDeduplicateUseCase(mocks.NewMockMessageStore(), mocks.NewMockVectorStore(), testMetrics(), logger)

		out, report := uc.Filter(context.Background(), "coll", false, []domain.Message{a, b, a, c, b, a})

		if len(out) != 3 {
			t.Fatalf("expected 3 distinct messages, got %d", len(out))
		}
		if out[0].ID != a.ID || out[1].ID != b.ID || out[2].ID != c.ID {
			t.Errorf("expected first-occurrence order to be kept, got %v", out)
		}
		if report.IntraBatch != 3 {
			t.Errorf("expected 3 intra-batch duplicates, got %d", report.IntraBatch)
		}
		if report.Duplicates() != 3 {
			t.Errorf("expected 3 duplicates in total, got %d", report.Duplicates())
		}
	})

	t.Run("Union of both stores", func(t *testing.T) {
		messages := mocks.NewMockMessageStore(a.ID, b.ID)
		vectors := mocks.NewMockVectorStore()
		vectors.Seed("coll", b.ID, c.ID)
		uc := NewDeduplicateUseCase(messages, vectors, testMetrics(), logger)

		out, report := uc.Filter(context.Background(), "coll", false, []domain.Message{a, b, c, d})

		if len(out) != 1 || out[0].ID != d.ID {
			t.Fatalf("expected only %s to survive, got %v", d.ID, out)
		}
		if report.Relational != 2 {
			t.Errorf("expected 2 relational duplicates, got %d", report.Relational)
		}
		if report.Vector != 2 {
			t.Errorf("expected 2 vector duplicates, got %d", report.Vector)
		}
		if report.Persisted != 3 {
			t.Errorf("expected 3 already persisted, got %d", report.Persisted)
		}
		if report.Divergent != 2 {
			t.Errorf("expected 2 divergent ids, got %d", report.Divergent)
		}
		if len(messages.Queries) != 1 || len(vectors.Queries) != 1 {
			t.Errorf("expected one batched query per store, got %d and %d", len(messages.Queries), len(vectors.Queries))
		}
	})

	t.Run("Fresh collection skips stores", func(t *testing.T) {
		messages := mocks.NewMockMessageStore(a.ID)
		vectors := mocks.NewMockVectorStore()
		uc := NewDeduplicateUseCase(messages, vectors, testMetrics(), logger)

		out, report := uc.Filter(context.Background(), "coll", true, []domain.Message{a, a, b})

		if len(out) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(out))
		}
		if !report.Bypassed {
			t.Error("expected bypass to be reported")
		}
		if len(messages.Queries) != 0 || len(vectors.Queries) != 0 {
			t.Error("expected stores not to be queried for a fresh collection")
		}
	})

	t.Run("Store failure falls back to in-memory filter", func(t *testing.T) {
		messages := mocks.NewMockMessageStore(a.ID)
		messages.ExistsErr = errors.New("connection refused")
		uc := NewDeduplicateUseCase(messages, mocks.NewMockVectorStore(), testMetrics(), logger)

		out, report := uc.Filter(context.Background(), "coll", false, []domain.Message{a, b, b})

		if len(out) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(out))
		}
		if !report.Fallback {
			t.Error("expected fallback to be reported")
		}
		if report.Relational != 0 {
			t.Errorf("expected no relational count on fallback, got %d", report.Relational)
		}
	})

	t.Run("Unenriched input is enriched", func(t *testing.T) {
		uc := NewDeduplicateUseCase(mocks.NewMockMessageStore(), mocks.NewMockVectorStore(), testMetrics(), logger)

		raw := domain.Message{Username: "", Text: "hi", TimestampRaw: "2024-01-15 14:30:00"}
		out, _ := uc.Filter(context.Background(), "coll", false, []domain.Message{raw})

		if len(out) != 1 {
			t.Fatalf("expected 1 message, got %d", len(out))
		}
		expected := domain.MessageID("", "2024-01-15T14:30:00", "hi")
		if out[0].ID != expected {
			t.Errorf("expected id %s, got %s", expected, out[0].ID)
		}
		if out[0].Username != domain.UnknownDisplayName {
			t.Errorf("expected username %s, got %s", domain.UnknownDisplayName, out[0].Username)
		}
	})

	t.Run("Empty batch", func(t *testing.T) {
		uc := NewDeduplicateUseCase(mocks.NewMockMessageStore(), mocks.NewMockVectorStore(), testMetrics(), logger)
		out, report := uc.Filter(context.Background(), "coll", false, nil)
		if len(out) != 0 || report.Input != 0 {
			t.Errorf("expected empty result, got %d messages", len(out))
		}
	})
}
