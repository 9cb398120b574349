package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const insertRecordSQL = `
	INSERT INTO moderation_logs (
		message_id, username, message_text, timestamp, file_source,
		toxicity_score, spam_probability, sentiment, categories,
		requires_action, action_type, reasoning, keywords_detected,
		analyzed_at, model_used, vector_point_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const upsertUserStatsSQL = `
	INSERT INTO user_stats (username, total_messages, toxic_messages, spam_messages, avg_toxicity, avg_spam_prob, last_seen, risk_level)
	VALUES ($1, 1, $2, $3, $4, $5, CURRENT_TIMESTAMP, $6)
	ON CONFLICT (username) DO UPDATE SET
		total_messages = user_stats.total_messages + 1,
		toxic_messages = user_stats.toxic_messages + EXCLUDED.toxic_messages,
		spam_messages = user_stats.spam_messages + EXCLUDED.spam_messages,
		avg_toxicity = (user_stats.avg_toxicity * user_stats.total_messages + EXCLUDED.avg_toxicity) / (user_stats.total_messages + 1),
		avg_spam_prob = (user_stats.avg_spam_prob * user_stats.total_messages + EXCLUDED.avg_spam_prob) / (user_stats.total_messages + 1),
		last_seen = CURRENT_TIMESTAMP,
		updated_at = CURRENT_TIMESTAMP,
		risk_level = CASE
			WHEN (user_stats.avg_toxicity * user_stats.total_messages + EXCLUDED.avg_toxicity) / (user_stats.total_messages + 1) > 0.7 THEN 'high'
			WHEN (user_stats.avg_toxicity * user_stats.total_messages + EXCLUDED.avg_toxicity) / (user_stats.total_messages + 1) > 0.4 THEN 'medium'
			ELSE 'low'
		END`

// MessageRepository implements domain.MessageStore on PostgreSQL.
type MessageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageRepository creates a new PostgreSQL message repository.
func NewMessageRepository(db *sql.DB, logger *slog.Logger) *MessageRepository {
	return &MessageRepository{db: db, logger: logger.With("component", "postgres_messages")}
}

// ExistingIDs returns the subset of ids already stored.
func (r *MessageRepository) ExistingIDs(ctx context.Context, ids []string) (domain.IDSet, error) {
	found := domain.NewIDSet()
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT message_id FROM moderation_logs WHERE message_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing ids: %w", translate(err))
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

// SaveAnalysis inserts rec and updates its author's stats in one
// transaction. It reports false when the message id is already stored.
func (r *MessageRepository) SaveAnalysis(ctx context.Context, rec domain.MessageRecord) (bool, error) {
	if rec.Message.ID == "" {
		return false, fmt.Errorf("%w: message id is required", domain.ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", translate(err))
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			r.logger.Debug("message already stored", "message_id", rec.Message.ID)
			return false, nil
		}
		return false, err
	}
	if err := upsertUserStats(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit analysis: %w", translate(err))
	}
	return true, nil
}

// RestoreRecords bulk-loads records re-derived during reconciliation. Rows
// whose id is already present are ignored. It returns how many were added.
func (r *MessageRepository) RestoreRecords(ctx context.Context, recs []domain.MessageRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", translate(err))
	}
	defer tx.Rollback()

	const staging = "moderation_logs_restore"
	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE `+staging+` (LIKE moderation_logs INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(staging,
		"message_id", "username", "message_text", "timestamp", "file_source",
		"toxicity_score", "spam_probability", "sentiment", "categories",
		"requires_action", "action_type", "reasoning", "keywords_detected",
		"analyzed_at", "model_used", "vector_point_id"))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, recordArgs(rec)...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("failed to copy %s: %w", rec.Message.ID, err)
		}
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush copy: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO moderation_logs (
			message_id, username, message_text, timestamp, file_source,
			toxicity_score, spam_probability, sentiment, categories,
			requires_action, action_type, reasoning, keywords_detected,
			analyzed_at, model_used, vector_point_id)
		SELECT DISTINCT ON (message_id)
			message_id, username, message_text, timestamp, file_source,
			toxicity_score, spam_probability, sentiment, categories,
			requires_action, action_type, reasoning, keywords_detected,
			analyzed_at, model_used, vector_point_id
		FROM `+staging+`
		ON CONFLICT (message_id) DO NOTHING
		RETURNING message_id`)
	if err != nil {
		return 0, fmt.Errorf("failed to merge restored rows: %w", err)
	}
	inserted := domain.NewIDSet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan restored id: %w", err)
		}
		inserted.Add(id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	restored := len(inserted)
	for _, rec := range recs {
		if !inserted.Has(rec.Message.ID) {
			continue
		}
		// DISTINCT ON kept one row per id; count its author once.
		delete(inserted, rec.Message.ID)
		if err := upsertUserStats(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit restore: %w", translate(err))
	}
	return restored, nil
}

// IDsSince returns the ids analyzed at or after since.
func (r *MessageRepository) IDsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT message_id FROM moderation_logs WHERE analyzed_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ids: %w", translate(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RiskyUsers lists medium and high risk authors, most toxic first.
func (r *MessageRepository) RiskyUsers(ctx context.Context, limit int) ([]domain.UserStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT username, total_messages, toxic_messages, spam_messages,
		       avg_toxicity, avg_spam_prob, risk_level, COALESCE(last_seen, created_at)
		FROM user_stats
		WHERE risk_level IN ('medium', 'high')
		ORDER BY avg_toxicity DESC, total_messages DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risky users: %w", translate(err))
	}
	defer rows.Close()

	var users []domain.UserStats
	for rows.Next() {
		var u domain.UserStats
		if err := rows.Scan(&u.Username, &u.TotalMessages, &u.ToxicMessages, &u.SpamMessages,
			&u.AvgToxicity, &u.AvgSpamProb, &u.RiskLevel, &u.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan user stats: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.MessageRecord) error {
	if _, err := tx.ExecContext(ctx, insertRecordSQL, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.Message.ID, translate(err))
	}
	return nil
}

func upsertUserStats(ctx context.Context, tx *sql.Tx, rec domain.MessageRecord) error {
	a := rec.Analysis
	_, err := tx.ExecContext(ctx, upsertUserStatsSQL,
		domain.NormalizeUsername(rec.Message.Username),
		flag(a.ToxicityScore > 0.5),
		flag(a.SpamProbability > 0.5),
		a.ToxicityScore,
		a.SpamProbability,
		domain.RiskLevelFor(a.ToxicityScore),
	)
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", translate(err))
	}
	return nil
}

func recordArgs(rec domain.MessageRecord) []any {
	m, a := rec.Message, rec.Analysis
	var ts any
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp
	}
	return []any{
		m.ID, m.Username, m.Text, ts, m.FileSource,
		a.ToxicityScore, a.SpamProbability, a.Sentiment, pq.Array(a.Categories),
		a.RequiresAction, a.ActionType, a.Reasoning, pq.Array(a.KeywordsDetected),
		a.AnalyzedAt, a.ModelUsed, rec.PointID,
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// translate maps driver errors onto the domain sentinels.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, pqErr.Message)
	case foreignKeyViolation:
		return fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, pqErr.Message)
	}
	return err
}
