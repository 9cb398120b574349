package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// VectorRepository implements domain.VectorStore with pgvector. A
// collection is a row in chat_collections; its points live in chat_vectors.
type VectorRepository struct {
	db        *sql.DB
	dimension int
	logger    *slog.Logger
}

// NewVectorRepository creates a vector store for embeddings of the given size.
func NewVectorRepository(db *sql.DB, dimension int, logger *slog.Logger) *VectorRepository {
	return &VectorRepository{db: db, dimension: dimension, logger: logger.With("component", "postgres_vectors")}
}

// EnsureCollection creates the collection if needed and reports whether it
// was created by this call.
func (r *VectorRepository) EnsureCollection(ctx context.Context, name string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_collections (name, dimension) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, r.dimension)
	if err != nil {
		return false, fmt.Errorf("failed to ensure collection %s: %w", name, translate(err))
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
	if len(ids) == 0 {
		return found, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id FROM chat_vectors WHERE collection = $1 AND message_id = ANY($2)`,
		collection, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing points: %w", translate(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		found.Add(id)
	}
	return found, rows.Err()
}

// Upsert stores p unless its message id already has a point in collection.
func (r *VectorRepository) Upsert(ctx context.Context, collection string, p domain.VectorPoint) (bool, error) {
	if len(p.Vector) != r.dimension {
		return false, fmt.Errorf("%w: vector has %d dimensions, collection expects %d", domain.ErrInvalidInput, len(p.Vector), r.dimension)
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_vectors (point_id, collection, message_id, embedding, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, message_id) DO NOTHING`,
		p.PointID, collection, p.MessageID, pgvector.NewVector(p.Vector), payload)
	if err != nil {
		return false, fmt.Errorf("failed to upsert point %s: %w", p.MessageID, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchSimilar returns up to limit points of collection whose cosine
// similarity to vector is at least minScore, best first.
func (r *VectorRepository) SearchSimilar(ctx context.Context, collection string, vector []float32, limit int, minScore float64) ([]domain.SimilarMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, 1 - (embedding <=> $2) AS score, payload
		FROM chat_vectors
		WHERE collection = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		collection, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, translate(err))
	}
	defer rows.Close()

	var hits []domain.SimilarMessage
	for rows.Next() {
		var (
			hit     domain.SimilarMessage
			payload []byte
		)
		if err := rows.Scan(&hit.MessageID, &hit.Score, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		if hit.Score < minScore {
			continue
		}
		if err := json.Unmarshal(payload, &hit.Payload); err != nil {
			r.logger.Warn("skipping point with corrupt payload", "message_id", hit.MessageID, "error", err)
			continue
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ScanPoints pages through collection in message id order, starting after
// afterMessageID.
func (r *VectorRepository) ScanPoints(ctx context.Context, collection, afterMessageID string, limit int) ([]domain.VectorPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT point_id, message_id, embedding, payload
		FROM chat_vectors
		WHERE collection = $1 AND message_id > $2
		ORDER BY message_id
		LIMIT $3`,
		collection, afterMessageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, translate(err))
	}
	defer rows.Close()

	var points []domain.VectorPoint
	for rows.Next() {
		var (
			p       domain.VectorPoint
			vec     pgvector.Vector
			payload []byte
		)
		if err := rows.Scan(&p.PointID, &p.MessageID, &vec, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			r.logger.Warn("skipping point with corrupt payload", "message_id", p.MessageID, "error", err)
			continue
		}
		p.Vector = vec.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

// Collections lists all collection names.
func (r *VectorRepository) Collections(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM chat_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", translate(err))
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
