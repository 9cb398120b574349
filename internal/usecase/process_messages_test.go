package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/domain/mocks"
)

type processorFixture struct {
	classifier *mocks.MockClassifier
	embedder   *mocks.MockEmbedder
	vectors    *mocks.MockVectorStore
	messages   *mocks.MockMessageStore
	journal    *mocks.MockJournal
	deferred   *mocks.MockDeferredQueue
	notifier   *mocks.MockNotifier
}

func newProcessorFixture() *processorFixture {
	return &processorFixture{
		classifier: &mocks.MockClassifier{Verdicts: map[string]domain.Analysis{}},
		embedder:   &mocks.MockEmbedder{},
		vectors:    mocks.NewMockVectorStore(),
		messages:   mocks.NewMockMessageStore(),
		journal:    &mocks.MockJournal{},
		deferred:   &mocks.MockDeferredQueue{},
		notifier:   &mocks.MockNotifier{},
	}
}

func (f *processorFixture) useCase(batchSize int) *ProcessMessagesUseCase {
	return NewProcessMessagesUseCase(
		f.classifier, f.embedder, f.vectors, f.messages, f.journal, f.deferred, f.notifier,
		testMetrics(), testLogger(),
		ProcessorOptions{BatchSize: batchSize, ExemptUsername: "NiaghtMares"},
	)
}

func toxic(score float64) domain.Analysis {
	return domain.Analysis{
		ToxicityScore:  score,
		Sentiment:      domain.SentimentNegative,
		RequiresAction: true,
		ActionType:     domain.ActionTimeout,
		Reasoning:      "insult",
	}
}

func TestProcessMessagesUseCase_Process(t *testing.T) {
	t.Run("End to end alert", func(t *testing.T) {
		f := newProcessorFixture()
		f.classifier.Verdicts["you are terrible"] = toxic(0.85)
		uc := f.useCase(50)

		msg := chatMessage("alice", "you are terrible", 0)
		report, err := uc.Process(context.Background(), "coll", []domain.Message{msg})

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Persisted != 1 {
			t.Errorf("expected 1 persisted message, got %d", report.Persisted)
		}
		if len(report.Alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(report.Alerts))
		}
		if report.Alerts[0].Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL, got %s", report.Alerts[0].Severity)
		}
		if f.notifier.Count() != 1 {
			t.Errorf("expected alert to be delivered, got %d deliveries", f.notifier.Count())
		}
		saved := f.messages.Saved[0]
		if saved.PointID == "" || saved.PointID != f.vectors.Upserted[0].PointID {
			t.Errorf("expected relational row to reference the vector point, got %q", saved.PointID)
		}
		if saved.Analysis.MessageID != msg.ID {
			t.Errorf("expected analysis to carry message id %s, got %s", msg.ID, saved.Analysis.MessageID)
		}
	})

	t.Run("Classifier failure is isolated", func(t *testing.T) {
		f := newProcessorFixture()
		msgs := make([]domain.Message, 50)
		for i := range msgs {
			msgs[i] = chatMessage(fmt.Sprintf("user%d", i), fmt.Sprintf("message %d", i), i%60)
		}
		f.classifier.ErrFor = map[string]error{"message 7": errors.New("model timeout")}
		uc := f.useCase(50)

		report, err := uc.Process(context.Background(), "coll", msgs)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Persisted != 50 {
			t.Errorf("expected all 50 messages persisted, got %d", report.Persisted)
		}
		if report.Defaulted != 1 {
			t.Errorf("expected 1 defaulted analysis, got %d", report.Defaulted)
		}
		var fallback int
		for _, rec := range f.messages.Saved {
			if rec.Analysis.ModelUsed == domain.ModelFallback {
				fallback++
				if rec.Analysis.RequiresAction {
					t.Error("expected default analysis to be non-actionable")
				}
			}
		}
		if fallback != 1 {
			t.Errorf("expected 1 fallback analysis, got %d", fallback)
		}
	})

	t.Run("Embedding failure skips and defers", func(t *testing.T) {
		f := newProcessorFixture()
		f.embedder.ErrFor = map[string]error{"bad": errors.New("embed down")}
		uc := f.useCase(50)

		msgs := []domain.Message{chatMessage("alice", "good", 1), chatMessage("bob", "bad", 2)}
		report, _ := uc.Process(context.Background(), "coll", msgs)

		if len(report.Skipped) != 1 || report.Skipped[0].Text != "bad" {
			t.Fatalf("expected the bad message to be skipped, got %v", report.Skipped)
		}
		if len(f.vectors.Upserted) != 1 || len(f.messages.Saved) != 1 {
			t.Errorf("expected only one message persisted, got %d vector and %d relational", len(f.vectors.Upserted), len(f.messages.Saved))
		}
		if len(f.deferred.Deferred) != 1 || f.deferred.Deferred[0].Collection != "coll" {
			t.Errorf("expected skipped message to be deferred, got %v", f.deferred.Deferred)
		}
	})

	t.Run("Deferral falls back to journal", func(t *testing.T) {
		f := newProcessorFixture()
		f.embedder.Err = errors.New("embed down")
		f.deferred.DeferErr = errors.New("redis down")
		uc := f.useCase(50)

		uc.Process(context.Background(), "coll", []domain.Message{chatMessage("alice", "hi", 1)})

		if len(f.journal.Entries) != 1 || f.journal.Entries[0].Kind != domain.JournalDeferred {
			t.Errorf("expected one journaled deferral, got %v", f.journal.Entries)
		}
	})

	t.Run("Relational failure declares inconsistency", func(t *testing.T) {
		f := newProcessorFixture()
		f.messages.SaveErr = errors.New("postgres down")
		uc := f.useCase(50)

		msg := chatMessage("alice", "hi", 1)
		report, _ := uc.Process(context.Background(), "coll", []domain.Message{msg})

		if report.Inconsistent != 1 {
			t.Errorf("expected 1 inconsistency, got %d", report.Inconsistent)
		}
		if len(f.vectors.Upserted) != 1 {
			t.Error("expected vector write to be kept")
		}
		if len(f.journal.Entries) != 1 {
			t.Fatalf("expected 1 journal entry, got %d", len(f.journal.Entries))
		}
		entry := f.journal.Entries[0]
		if entry.Kind != domain.JournalInconsistency || entry.Message.ID != msg.ID || entry.Analysis == nil {
			t.Errorf("unexpected journal entry: %+v", entry)
		}
		if entry.PointID != f.vectors.Upserted[0].PointID {
			t.Errorf("expected journal to reference point %s, got %s", f.vectors.Upserted[0].PointID, entry.PointID)
		}
	})

	t.Run("Vector failure skips relational write", func(t *testing.T) {
		f := newProcessorFixture()
		f.vectors.UpsertErr = errors.New("vector down")
		uc := f.useCase(50)

		report, _ := uc.Process(context.Background(), "coll", []domain.Message{chatMessage("alice", "hi", 1)})

		if len(f.messages.Saved) != 0 {
			t.Error("expected no relational write without a vector write")
		}
		if len(report.Skipped) != 1 {
			t.Errorf("expected 1 skipped message, got %d", len(report.Skipped))
		}
	})

	t.Run("Exempt user and repeated ids do not alert", func(t *testing.T) {
		f := newProcessorFixture()
		f.classifier.Verdicts["spam spam"] = domain.Analysis{SpamProbability: 0.95, RequiresAction: true, ActionType: domain.ActionBan}
		uc := f.useCase(50)

		streamer := chatMessage("niaghtmares", "spam spam", 1)
		viewer := chatMessage("eve", "spam spam", 2)

		report, _ := uc.Process(context.Background(), "coll", []domain.Message{streamer, viewer})
		if len(report.Alerts) != 1 || report.Alerts[0].Username != "eve" {
			t.Fatalf("expected a single alert for eve, got %v", report.Alerts)
		}

		again, _ := uc.Process(context.Background(), "other", []domain.Message{viewer})
		if len(again.Alerts) != 0 {
			t.Errorf("expected no second alert for the same id, got %d", len(again.Alerts))
		}
	})

	t.Run("Chunks and cancellation", func(t *testing.T) {
		f := newProcessorFixture()
		uc := f.useCase(2)

		msgs := []domain.Message{
			chatMessage("a", "1", 1), chatMessage("b", "2", 2), chatMessage("c", "3", 3),
			chatMessage("d", "4", 4), chatMessage("e", "5", 5),
		}
		report, err := uc.Process(context.Background(), "coll", msgs)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Chunks != 3 || report.Processed != 5 {
			t.Errorf("expected 3 chunks and 5 processed, got %d and %d", report.Chunks, report.Processed)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err = uc.Process(ctx, "coll2", msgs)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if report.Processed != 0 {
			t.Errorf("expected nothing processed after cancellation, got %d", report.Processed)
		}
	})

	t.Run("Reprocess does not defer again", func(t *testing.T) {
		f := newProcessorFixture()
		f.embedder.Err = errors.New("embed down")
		uc := f.useCase(50)

		report, _ := uc.Reprocess(context.Background(), "coll", []domain.Message{chatMessage("alice", "hi", 1)})

		if len(report.Skipped) != 1 {
			t.Errorf("expected 1 skipped message, got %d", len(report.Skipped))
		}
		if len(f.deferred.Deferred) != 0 || len(f.journal.Entries) != 0 {
			t.Error("expected reprocessing not to defer")
		}
	})
}
