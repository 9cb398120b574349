// Package sqlite provides embedded message and vector stores for running
// without a PostgreSQL server.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Schema holds both the relational and the vector tables. Timestamps are
// unix nanoseconds so range queries compare integers.
const Schema = `
CREATE TABLE IF NOT EXISTS moderation_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    username TEXT,
    message_text TEXT,
    timestamp INTEGER,
    file_source TEXT,
    toxicity_score REAL,
    spam_probability REAL,
    sentiment TEXT,
    categories TEXT,
    requires_action INTEGER,
    action_type TEXT,
    reasoning TEXT,
    keywords_detected TEXT,
    analyzed_at INTEGER NOT NULL,
    model_used TEXT,
    vector_point_id TEXT
);

CREATE TABLE IF NOT EXISTS user_stats (
    username TEXT PRIMARY KEY,
    total_messages INTEGER NOT NULL DEFAULT 0,
    toxic_messages INTEGER NOT NULL DEFAULT 0,
    spam_messages INTEGER NOT NULL DEFAULT 0,
    avg_toxicity REAL NOT NULL DEFAULT 0.0,
    avg_spam_prob REAL NOT NULL DEFAULT 0.0,
    last_seen INTEGER,
    risk_level TEXT NOT NULL DEFAULT 'low'
);

CREATE TABLE IF NOT EXISTS chat_collections (
    name TEXT PRIMARY KEY,
    dimension INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_vectors (
    point_id TEXT PRIMARY KEY,
    collection TEXT NOT NULL REFERENCES chat_collections(name) ON DELETE CASCADE,
    message_id TEXT NOT NULL,
    embedding BLOB NOT NULL,
    payload TEXT NOT NULL,
    UNIQUE (collection, message_id)
);

CREATE INDEX IF NOT EXISTS idx_moderation_username ON moderation_logs(username);
CREATE INDEX IF NOT EXISTS idx_moderation_analyzed_at ON moderation_logs(analyzed_at);
CREATE INDEX IF NOT EXISTS idx_user_stats_risk ON user_stats(risk_level);
`

// Open opens (creating if needed) the database at path, enables WAL mode
// and applies the schema. ":memory:" gives a private in-memory database.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}

	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
