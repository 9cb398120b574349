package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
)

const apiKeyCacheSize = 1024

// APIKeyRepository implements domain.APIKeyRepository with PostgreSQL as the
// source of truth and a bounded, expiring in-memory cache in front of it.
type APIKeyRepository struct {
	db      *sql.DB
	cache   *expirable.LRU[string, bool]
	metrics *metrics.PipelineMetrics
	logger  *slog.Logger
}

// NewAPIKeyRepository creates an API key repository whose answers are
// cached for ttl.
func NewAPIKeyRepository(db *sql.DB, ttl time.Duration, m *metrics.PipelineMetrics, logger *slog.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:      db,
		cache:   expirable.NewLRU[string, bool](apiKeyCacheSize, nil, ttl),
		metrics: m,
		logger:  logger.With("component", "api_keys"),
	}
}

// IsValid reports whether key exists, is active and has not expired.
// Database errors are not cached.
func (r *APIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if valid, ok := r.cache.Get(key); ok {
		r.metrics.APIKeyCacheHits.Inc()
		return valid, nil
	}
	r.metrics.APIKeyCacheMisses.Inc()

	var valid bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM api_keys WHERE key = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > NOW()))`,
		key).Scan(&valid)
	if err != nil {
		r.logger.Error("failed to validate api key", "error", err)
		return false, fmt.Errorf("failed to validate api key: %w", err)
	}

	r.cache.Add(key, valid)
	return valid, nil
}
