package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// VectorRepository implements domain.VectorStore on SQLite. Embeddings are
// stored as little-endian float32 BLOBs and ranked in Go.
type VectorRepository struct {
	db        *sql.DB
	dimension int
	logger    *slog.Logger
}

// NewVectorRepository creates a vector store for embeddings of the given size.
func NewVectorRepository(db *sql.DB, dimension int, logger *slog.Logger) *VectorRepository {
	return &VectorRepository{db: db, dimension: dimension, logger: logger.With("component", "sqlite_vectors")}
}

// EnsureCollection creates the collection if needed and reports whether it
// was created by this call.
func (r *VectorRepository) EnsureCollection(ctx context.Context, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_collections (name, dimension, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, r.dimension, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to ensure collection %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.logger.Info("collection created", "collection", name, "dimension", r.dimension)
	}
	return n > 0, nil
}

// ExistingIDs returns the subset of ids that already have a point in collection.
func (r *VectorRepository) ExistingIDs(ctx context.Context, collection string, ids []string) (domain.IDSet, error) {
	found := domain.NewIDSet()
	for start := 0; start < len(ids); start += maxQueryParams {
		chunk := ids[start:min(start+maxQueryParams, len(ids))]
		args := append([]any{collection}, stringArgs(chunk)...)
		rows, err := r.db.QueryContext(ctx,
			`SELECT message_id FROM chat_vectors WHERE collection = ? AND message_id IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query existing points: %w", err)
		}
		if err := collectIDs(rows, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// Upsert stores p unless its message id already has a point in collection.
func (r *VectorRepository) Upsert(ctx context.Context, collection string, p domain.VectorPoint) (bool, error) {
	if len(p.Vector) != r.dimension {
		return false, fmt.Errorf("%w: vector has %d dimensions, collection expects %d", domain.ErrInvalidInput, len(p.Vector), r.dimension)
	}
	if err := r.requireCollection(ctx, collection); err != nil {
		return false, err
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_vectors (point_id, collection, message_id, embedding, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, message_id) DO NOTHING`,
		p.PointID, collection, p.MessageID, encodeVector(p.Vector), string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to upsert point %s: %w", p.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchSimilar ranks every point of collection by cosine similarity to
// vector and returns the best limit hits scoring at least minScore.
func (r *VectorRepository) SearchSimilar(ctx context.Context, collection string, vector []float32, limit int, minScore float64) ([]domain.SimilarMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, embedding, payload FROM chat_vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []domain.SimilarMessage
	for rows.Next() {
		var (
			id      string
			blob    []byte
			payload string
		)
		if err := rows.Scan(&id, &blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		emb, err := decodeVector(blob)
		if err != nil {
			r.logger.Warn("skipping point with corrupt embedding", "message_id", id, "error", err)
			continue
		}
		score := cosineSimilarity(vector, emb)
		if score < minScore {
			continue
		}
		hit := domain.SimilarMessage{MessageID: id, Score: score}
		if err := json.Unmarshal([]byte(payload), &hit.Payload); err != nil {
			r.logger.Warn("skipping point with corrupt payload", "message_id", id, "error", err)
			continue
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ScanPoints pages through collection in message id order, starting after
// afterMessageID.
func (r *VectorRepository) ScanPoints(ctx context.Context, collection, afterMessageID string, limit int) ([]domain.VectorPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT point_id, message_id, embedding, payload
		FROM chat_vectors
		WHERE collection = ? AND message_id > ?
		ORDER BY message_id
		LIMIT ?`, collection, afterMessageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	defer rows.Close()

	var points []domain.VectorPoint
	for rows.Next() {
		var (
			p       domain.VectorPoint
			blob    []byte
			payload string
		)
		if err := rows.Scan(&p.PointID, &p.MessageID, &blob, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if p.Vector, err = decodeVector(blob); err != nil {
			r.logger.Warn("skipping point with corrupt embedding", "message_id", p.MessageID, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			r.logger.Warn("skipping point with corrupt payload", "message_id", p.MessageID, "error", err)
			continue
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Collections lists all collection names.
func (r *VectorRepository) Collections(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM chat_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *VectorRepository) requireCollection(ctx context.Context, name string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM chat_collections WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to look up collection %s: %w", name, err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not a float32 array", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// cosineSimilarity returns 0 when the lengths differ or either vector is zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
