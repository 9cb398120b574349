package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// maxQueryParams keeps IN lists under SQLite's bound-parameter limit.
const maxQueryParams = 500

const upsertUserStatsSQL = `
	INSERT INTO user_stats (username, total_messages, toxic_messages, spam_messages, avg_toxicity, avg_spam_prob, last_seen, risk_level)
	VALUES (?, 1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (username) DO UPDATE SET
		total_messages = user_stats.total_messages + 1,
		toxic_messages = user_stats.toxic_messages + excluded.toxic_messages,
		spam_messages = user_stats.spam_messages + excluded.spam_messages,
		avg_toxicity = (user_stats.avg_toxicity * user_stats.total_messages + excluded.avg_toxicity) / (user_stats.total_messages + 1),
		avg_spam_prob = (user_stats.avg_spam_prob * user_stats.total_messages + excluded.avg_spam_prob) / (user_stats.total_messages + 1),
		last_seen = excluded.last_seen,
		risk_level = CASE
			WHEN (user_stats.avg_toxicity * user_stats.total_messages + excluded.avg_toxicity) / (user_stats.total_messages + 1) > 0.7 THEN 'high'
			WHEN (user_stats.avg_toxicity * user_stats.total_messages + excluded.avg_toxicity) / (user_stats.total_messages + 1) > 0.4 THEN 'medium'
			ELSE 'low'
		END`

// MessageRepository implements domain.MessageStore on SQLite.
type MessageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageRepository creates a message store on an opened database.
func NewMessageRepository(db *sql.DB, logger *slog.Logger) *MessageRepository {
	return &MessageRepository{db: db, logger: logger.With("component", "sqlite_messages")}
}

// ExistingIDs returns the subset of ids already stored.
func (r *MessageRepository) ExistingIDs(ctx context.Context, ids []string) (domain.IDSet, error) {
	found := domain.NewIDSet()
	for start := 0; start < len(ids); start += maxQueryParams {
		chunk := ids[start:min(start+maxQueryParams, len(ids))]
		rows, err := r.db.QueryContext(ctx,
			`SELECT message_id FROM moderation_logs WHERE message_id IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query existing ids: %w", err)
		}
		if err := collectIDs(rows, found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// SaveAnalysis inserts rec and updates its author's stats. It reports false
// when the message id is already stored.
func (r *MessageRepository) SaveAnalysis(ctx context.Context, rec domain.MessageRecord) (bool, error) {
	if rec.Message.ID == "" {
		return false, fmt.Errorf("%w: message id is required", domain.ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertRecord(ctx, tx, rec)
	if err != nil || !inserted {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit analysis: %w", err)
	}
	return true, nil
}

// RestoreRecords inserts records re-derived during reconciliation in a
// single transaction, ignoring ids already present.
func (r *MessageRepository) RestoreRecords(ctx context.Context, recs []domain.MessageRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	restored := 0
	for _, rec := range recs {
		inserted, err := insertRecord(ctx, tx, rec)
		if err != nil {
			return 0, err
		}
		if inserted {
			restored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit restore: %w", err)
	}
	return restored, nil
}

// IDsSince returns the ids analyzed at or after since.
func (r *MessageRepository) IDsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT message_id FROM moderation_logs WHERE analyzed_at >= ?`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ids: %w", err)
	}
	found := domain.NewIDSet()
	if err := collectIDs(rows, found); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	return ids, nil
}

// RiskyUsers lists medium and high risk authors, most toxic first.
func (r *MessageRepository) RiskyUsers(ctx context.Context, limit int) ([]domain.UserStats, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT username, total_messages, toxic_messages, spam_messages,
		       avg_toxicity, avg_spam_prob, risk_level, COALESCE(last_seen, 0)
		FROM user_stats
		WHERE risk_level IN ('medium', 'high')
		ORDER BY avg_toxicity DESC, total_messages DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risky users: %w", err)
	}
	defer rows.Close()

	var users []domain.UserStats
	for rows.Next() {
		var (
			u        domain.UserStats
			lastSeen int64
		)
		if err := rows.Scan(&u.Username, &u.TotalMessages, &u.ToxicMessages, &u.SpamMessages,
			&u.AvgToxicity, &u.AvgSpamProb, &u.RiskLevel, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan user stats: %w", err)
		}
		u.LastSeen = time.Unix(0, lastSeen)
		users = append(users, u)
	}
	return users, rows.Err()
}

// insertRecord adds rec and, when it was new, its author's stats.
func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.MessageRecord) (bool, error) {
	m, a := rec.Message, rec.Analysis
	categories, err := json.Marshal(nonNil(a.Categories))
	if err != nil {
		return false, err
	}
	keywords, err := json.Marshal(nonNil(a.KeywordsDetected))
	if err != nil {
		return false, err
	}
	var ts any
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UnixNano()
	}
	analyzedAt := a.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO moderation_logs (
			message_id, username, message_text, timestamp, file_source,
			toxicity_score, spam_probability, sentiment, categories,
			requires_action, action_type, reasoning, keywords_detected,
			analyzed_at, model_used, vector_point_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`,
		m.ID, m.Username, m.Text, ts, m.FileSource,
		a.ToxicityScore, a.SpamProbability, a.Sentiment, string(categories),
		a.RequiresAction, a.ActionType, a.Reasoning, string(keywords),
		analyzedAt.UnixNano(), a.ModelUsed, rec.PointID)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, upsertUserStatsSQL,
		domain.NormalizeUsername(m.Username),
		flag(a.ToxicityScore > 0.5),
		flag(a.SpamProbability > 0.5),
		a.ToxicityScore,
		a.SpamProbability,
		time.Now().UnixNano(),
		domain.RiskLevelFor(a.ToxicityScore),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update user stats: %w", err)
	}
	return true, nil
}

func collectIDs(rows *sql.Rows, into domain.IDSet) error {
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan message id: %w", err)
		}
		into.Add(id)
	}
	return rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
