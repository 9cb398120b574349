// Package postgres provides the PostgreSQL message, vector and API key stores.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the relational tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS moderation_logs (
    id SERIAL PRIMARY KEY,
    message_id VARCHAR(255) NOT NULL UNIQUE,
    username VARCHAR(100),
    message_text TEXT,
    timestamp TIMESTAMP,
    file_source VARCHAR(255),
    toxicity_score DOUBLE PRECISION,
    spam_probability DOUBLE PRECISION,
    sentiment VARCHAR(20),
    categories TEXT[],
    requires_action BOOLEAN,
    action_type VARCHAR(50),
    reasoning TEXT,
    keywords_detected TEXT[],
    analyzed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    model_used VARCHAR(100),
    vector_point_id VARCHAR(100)
);

CREATE TABLE IF NOT EXISTS user_stats (
    id SERIAL PRIMARY KEY,
    username VARCHAR(100) UNIQUE,
    total_messages INTEGER DEFAULT 0,
    toxic_messages INTEGER DEFAULT 0,
    spam_messages INTEGER DEFAULT 0,
    avg_toxicity DOUBLE PRECISION DEFAULT 0.0,
    avg_spam_prob DOUBLE PRECISION DEFAULT 0.0,
    last_seen TIMESTAMP,
    risk_level VARCHAR(20) DEFAULT 'low',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
    key TEXT PRIMARY KEY,
    description TEXT,
    is_active BOOLEAN NOT NULL DEFAULT true,
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_moderation_username ON moderation_logs(username);
CREATE INDEX IF NOT EXISTS idx_moderation_timestamp ON moderation_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_moderation_toxicity ON moderation_logs(toxicity_score);
CREATE INDEX IF NOT EXISTS idx_moderation_analyzed_at ON moderation_logs(analyzed_at);
CREATE INDEX IF NOT EXISTS idx_user_stats_risk ON user_stats(risk_level);
`

// vectorSchema creates the vector tables for embeddings of the given size.
func vectorSchema(dimension int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chat_collections (
    name TEXT PRIMARY KEY,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_vectors (
    point_id UUID PRIMARY KEY,
    collection TEXT NOT NULL REFERENCES chat_collections(name) ON DELETE CASCADE,
    message_id VARCHAR(255) NOT NULL,
    embedding vector(%d) NOT NULL,
    payload JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (collection, message_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_vectors_embedding
    ON chat_vectors USING hnsw (embedding vector_cosine_ops);
`, dimension)
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the relational schema and, when vectorSize is positive,
// the vector schema.
func Migrate(ctx context.Context, db *sql.DB, vectorSize int, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if vectorSize <= 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, vectorSchema(vectorSize)); err != nil {
		return fmt.Errorf("failed to apply vector schema: %w", err)
	}
	logger.Info("postgres schema ready", "vector_size", vectorSize)
	return nil
}
