package wal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/V4T54L/chatwatch/internal/domain"
)

func newTestJournal(t *testing.T, dir string, maxSegmentSize, maxTotalSize int64) *JournalRepository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	j, err := NewJournalRepository(dir, maxSegmentSize, maxTotalSize, logger)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func entry(id string, kind domain.JournalKind) domain.JournalEntry {
	return domain.JournalEntry{
		Kind:       kind,
		Collection: "twitch_somestreamer_1a2b3c4d",
		Message:    domain.Message{ID: id, Username: "alice", Text: "hello " + id},
		Reason:     "test",
	}
}

func TestJournal_WriteAndReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, dir, 1024, 10*1024)

	analysis := domain.Analysis{ToxicityScore: 0.9}
	in := []domain.JournalEntry{
		entry("m1", domain.JournalInconsistency),
		entry("m2", domain.JournalDeferred),
		entry("m3", domain.JournalInconsistency),
	}
	in[0].Analysis = &analysis
	in[0].PointID = "p1"

	for _, e := range in {
		if err := j.Write(context.Background(), e); err != nil {
			t.Fatalf("failed to write entry: %v", err)
		}
	}
	j.Close()

	reopened := newTestJournal(t, dir, 1024, 10*1024)
	var got []domain.JournalEntry
	err := reopened.Replay(context.Background(), func(e domain.JournalEntry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to replay: %v", err)
	}

	if len(got) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i].Message.ID != in[i].Message.ID || got[i].Kind != in[i].Kind {
			t.Errorf("entry %d: expected %s/%s, got %s/%s", i, in[i].Kind, in[i].Message.ID, got[i].Kind, got[i].Message.ID)
		}
		if got[i].RecordedAt.IsZero() {
			t.Errorf("entry %d: expected recorded_at to be set", i)
		}
	}
	if got[0].Analysis == nil || got[0].Analysis.ToxicityScore != 0.9 || got[0].PointID != "p1" {
		t.Errorf("expected analysis and point id to survive, got %+v", got[0])
	}
}

func TestJournal_SegmentRotation(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), 100, 100*1024)

	e := entry("a-message-id-long-enough-to-force-rotation", domain.JournalDeferred)
	data, _ := json.Marshal(e)
	writes := 100/len(data) + 3
	for i := 0; i < writes; i++ {
		if err := j.Write(context.Background(), e); err != nil {
			t.Fatalf("failed to write entry: %v", err)
		}
	}

	segments, err := j.segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}

	count := 0
	_ = j.Replay(context.Background(), func(domain.JournalEntry) error { count++; return nil })
	if count != writes {
		t.Errorf("expected %d replayed entries across segments, got %d", writes, count)
	}
}

func TestJournal_Truncate(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), 1024, 10*1024)
	if err := j.Write(context.Background(), entry("m1", domain.JournalInconsistency)); err != nil {
		t.Fatal(err)
	}
	if j.Size() == 0 {
		t.Fatal("expected non-zero size after a write")
	}
	if err := j.Replay(context.Background(), func(domain.JournalEntry) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if err := j.Truncate(context.Background()); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}
	if j.Size() != 0 {
		t.Errorf("expected size 0 after truncate, got %d", j.Size())
	}

	count := 0
	_ = j.Replay(context.Background(), func(domain.JournalEntry) error { count++; return nil })
	if count != 0 {
		t.Errorf("expected empty journal after truncate, got %d entries", count)
	}

	if err := j.Write(context.Background(), entry("m2", domain.JournalInconsistency)); err != nil {
		t.Errorf("expected journal to accept writes after truncate, got %v", err)
	}
}

func TestJournal_TruncateKeepsUnreplayedEntries(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), 1024, 10*1024)
	ctx := context.Background()

	if err := j.Write(ctx, entry("m1", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	if err := j.Replay(ctx, func(domain.JournalEntry) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := j.Write(ctx, entry("m2", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	if err := j.Truncate(ctx); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}

	ids := replayIDs(t, j)
	if len(ids) != 1 || ids[0] != "m2" {
		t.Errorf("expected only the entry written after the replay, got %v", ids)
	}
}

func TestJournal_SharedDirectory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	watcher := newTestJournal(t, dir, 1024, 10*1024)
	reconciler := newTestJournal(t, dir, 1024, 10*1024)

	if err := watcher.Write(ctx, entry("m1", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	if ids := replayIDs(t, reconciler); len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("expected the other instance's entry, got %v", ids)
	}

	// Written between the replay and the truncation.
	if err := watcher.Write(ctx, entry("m2", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	if err := reconciler.Truncate(ctx); err != nil {
		t.Fatalf("failed to truncate: %v", err)
	}

	// Written after the truncation replaced the segment.
	if err := watcher.Write(ctx, entry("m3", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	watcher.Close()
	reconciler.Close()

	ids := replayIDs(t, newTestJournal(t, dir, 1024, 10*1024))
	if len(ids) != 2 || ids[0] != "m2" || ids[1] != "m3" {
		t.Errorf("expected m2 and m3 to survive, got %v", ids)
	}
}

func replayIDs(t *testing.T, j *JournalRepository) []string {
	t.Helper()
	var ids []string
	if err := j.Replay(context.Background(), func(e domain.JournalEntry) error {
		ids = append(ids, e.Message.ID)
		return nil
	}); err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	return ids
}

func TestJournal_MaxTotalSize(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), 100, 300)

	var err error
	for i := 0; i < 10; i++ {
		if err = j.Write(context.Background(), entry("m", domain.JournalDeferred)); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrJournalFull) {
		t.Fatalf("expected ErrJournalFull, got %v", err)
	}
}

func TestJournal_SkipsCorruptLinesAndStopsOnHandlerError(t *testing.T) {
	j := newTestJournal(t, t.TempDir(), 1024, 10*1024)
	if err := j.Write(context.Background(), entry("m1", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}
	segments, _ := j.segments()
	f, err := os.OpenFile(segments[len(segments)-1], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken\n")
	f.Close()
	if err := j.Write(context.Background(), entry("m2", domain.JournalDeferred)); err != nil {
		t.Fatal(err)
	}

	var ids []string
	if err := j.Replay(context.Background(), func(e domain.JournalEntry) error {
		ids = append(ids, e.Message.ID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("expected corrupt line to be skipped, got %v", ids)
	}

	stop := errors.New("stop")
	err = j.Replay(context.Background(), func(domain.JournalEntry) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("expected handler error to stop replay, got %v", err)
	}
}
