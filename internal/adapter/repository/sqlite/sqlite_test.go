package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/chatwatch/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(user, text string, toxicity float64) domain.MessageRecord {
	m := domain.Enrich(domain.Message{
		Username:   user,
		Text:       text,
		Timestamp:  time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC),
		FileSource: "chan.log",
	})
	a := domain.Analysis{
		MessageID:     m.ID,
		ToxicityScore: toxicity,
		Sentiment:     domain.SentimentNegative,
		Categories:    []string{"harassment"},
		ActionType:    domain.ActionWarn,
		Reasoning:     "test",
		AnalyzedAt:    time.Now(),
		ModelUsed:     "llama3",
	}
	return domain.MessageRecord{Message: m, Analysis: a, PointID: uuid.NewString()}
}

func TestMessageRepository_SaveAndExisting(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t), testLogger())

	rec := record("alice", "you are an idiot", 0.85)
	inserted, err := repo.SaveAnalysis(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.SaveAnalysis(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "second save of the same id must be a no-op")

	found, err := repo.ExistingIDs(ctx, []string{rec.Message.ID, "missing"})
	require.NoError(t, err)
	assert.True(t, found.Has(rec.Message.ID))
	assert.False(t, found.Has("missing"))

	empty, err := repo.ExistingIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMessageRepository_SaveRequiresID(t *testing.T) {
	repo := NewMessageRepository(newTestDB(t), testLogger())
	_, err := repo.SaveAnalysis(context.Background(), domain.MessageRecord{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMessageRepository_ExistingIDsChunks(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t), testLogger())

	var ids []string
	for i := 0; i < maxQueryParams+20; i++ {
		rec := record("bob", fmt.Sprintf("message %d", i), 0.1)
		_, err := repo.SaveAnalysis(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, rec.Message.ID)
	}

	found, err := repo.ExistingIDs(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, found, len(ids))
}

func TestMessageRepository_UserStatsAndRiskyUsers(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t), testLogger())

	for i, tox := range []float64{0.9, 0.8, 0.7} {
		_, err := repo.SaveAnalysis(ctx, record("troll", fmt.Sprintf("insult %d", i), tox))
		require.NoError(t, err)
	}
	_, err := repo.SaveAnalysis(ctx, record("nice", "hello", 0.0))
	require.NoError(t, err)
	_, err = repo.SaveAnalysis(ctx, record("", "who am i", 0.5))
	require.NoError(t, err)

	users, err := repo.RiskyUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "troll", users[0].Username)
	assert.Equal(t, 3, users[0].TotalMessages)
	assert.Equal(t, 3, users[0].ToxicMessages)
	assert.InDelta(t, 0.8, users[0].AvgToxicity, 1e-9)
	assert.Equal(t, "high", users[0].RiskLevel)

	assert.Equal(t, domain.UnknownUserSentinel, users[1].Username)
	assert.Equal(t, "medium", users[1].RiskLevel)
}

func TestMessageRepository_IDsSince(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t), testLogger())

	old := record("alice", "old", 0.1)
	old.Analysis.AnalyzedAt = time.Now().Add(-48 * time.Hour)
	recent := record("alice", "recent", 0.1)

	_, err := repo.SaveAnalysis(ctx, old)
	require.NoError(t, err)
	_, err = repo.SaveAnalysis(ctx, recent)
	require.NoError(t, err)

	ids, err := repo.IDsSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{recent.Message.ID}, ids)
}

func TestMessageRepository_RestoreRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(newTestDB(t), testLogger())

	existing := record("alice", "already here", 0.2)
	_, err := repo.SaveAnalysis(ctx, existing)
	require.NoError(t, err)

	restored, err := repo.RestoreRecords(ctx, []domain.MessageRecord{
		existing,
		record("bob", "lost one", 0.3),
		record("carol", "lost two", 0.4),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
}

func TestVectorRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewVectorRepository(newTestDB(t), 3, testLogger())
	const coll = "twitch_somestreamer_1a2b3c4d"

	_, err := repo.Upsert(ctx, coll, domain.VectorPoint{PointID: uuid.NewString(), MessageID: "m0", Vector: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	fresh, err := repo.EnsureCollection(ctx, coll)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = repo.EnsureCollection(ctx, coll)
	require.NoError(t, err)
	assert.False(t, fresh)

	recs := []domain.MessageRecord{record("alice", "a", 0.9), record("bob", "b", 0.1), record("carol", "c", 0.2)}
	vectors := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 0, 1}}
	for i, rec := range recs {
		inserted, err := repo.Upsert(ctx, coll, domain.VectorPoint{
			PointID:   rec.PointID,
			MessageID: rec.Message.ID,
			Vector:    vectors[i],
			Payload:   domain.PointPayload{Message: rec.Message, Analysis: rec.Analysis},
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	again, err := repo.Upsert(ctx, coll, domain.VectorPoint{PointID: uuid.NewString(), MessageID: recs[0].Message.ID, Vector: vectors[0]})
	require.NoError(t, err)
	assert.False(t, again, "a second point for the same message id must be ignored")

	_, err = repo.Upsert(ctx, coll, domain.VectorPoint{PointID: uuid.NewString(), MessageID: "bad", Vector: []float32{1}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	found, err := repo.ExistingIDs(ctx, coll, []string{recs[0].Message.ID, "nope"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	hits, err := repo.SearchSimilar(ctx, coll, []float32{1, 0, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, recs[0].Message.ID, hits[0].MessageID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "alice", hits[0].Payload.Message.Username)

	names, err := repo.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{coll}, names)
}

func TestVectorRepository_ScanPoints(t *testing.T) {
	ctx := context.Background()
	repo := NewVectorRepository(newTestDB(t), 2, testLogger())
	const coll = "logs_2024_abcdef12"
	_, err := repo.EnsureCollection(ctx, coll)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec := record("user", fmt.Sprintf("msg %d", i), 0.1)
		_, err := repo.Upsert(ctx, coll, domain.VectorPoint{
			PointID:   rec.PointID,
			MessageID: rec.Message.ID,
			Vector:    []float32{float32(i), 1},
			Payload:   domain.PointPayload{Message: rec.Message, Analysis: rec.Analysis},
		})
		require.NoError(t, err)
	}

	var all []domain.VectorPoint
	after := ""
	for {
		page, err := repo.ScanPoints(ctx, coll, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1].MessageID
	}
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].MessageID, all[i].MessageID)
	}
	assert.Len(t, all[0].Vector, 2)
	assert.Equal(t, all[0].MessageID, all[0].Record().Message.ID)
}

func TestOpen_CreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chatwatch.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err, "schema must be idempotent")
	require.NoError(t, db.Close())
}

func TestVectorCodecAndCosine(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)

	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}
