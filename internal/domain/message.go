package domain

import (
	"strings"
	"time"
)

// RawLine is a single line read from a chat log, before parsing.
type RawLine struct {
	Text   string
	Source string
	Number int
}

// Message represents the canonical structure of a chat message within the system.
type Message struct {
	ID           string    `json:"message_id"`
	Username     string    `json:"username"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	TimestampRaw string    `json:"timestamp_raw,omitempty"`
	TimestampStr string    `json:"timestamp_str"`
	FileSource   string    `json:"file_source"`
	LineNumber   int       `json:"line_number,omitempty"`
	ParsePattern int       `json:"parse_pattern"`
}

// Sentiment values accepted from the classifier.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Moderation actions a classifier may suggest.
const (
	ActionIgnore  = "ignore"
	ActionWarn    = "warn"
	ActionTimeout = "timeout"
	ActionBan     = "ban"
	ActionProtect = "protect"
)

// ModelFallback marks analyses that were produced without a classifier verdict.
const ModelFallback = "fallback"

// Analysis is the classifier's verdict on a Message.
type Analysis struct {
	MessageID        string    `json:"message_id"`
	ToxicityScore    float64   `json:"toxicity_score"`
	SpamProbability  float64   `json:"spam_probability"`
	Sentiment        string    `json:"sentiment"`
	Categories       []string  `json:"categories"`
	RequiresAction   bool      `json:"requires_action"`
	ActionType       string    `json:"action_type"`
	Reasoning        string    `json:"reasoning"`
	KeywordsDetected []string  `json:"keywords_detected"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
	ModelUsed        string    `json:"model_used"`
}

// DefaultAnalysis returns the non-actionable verdict used when classification fails.
func DefaultAnalysis(msg Message, reason string) Analysis {
	return Analysis{
		MessageID:        msg.ID,
		Sentiment:        SentimentNeutral,
		Categories:       []string{},
		ActionType:       ActionIgnore,
		Reasoning:        "automatic analysis failed: " + reason,
		KeywordsDetected: []string{},
		AnalyzedAt:       time.Now(),
		ModelUsed:        ModelFallback,
	}
}

// Normalize clamps scores and replaces unknown enum values with their defaults.
func (a *Analysis) Normalize() {
	a.ToxicityScore = clamp01(a.ToxicityScore)
	a.SpamProbability = clamp01(a.SpamProbability)

	switch strings.ToLower(a.Sentiment) {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		a.Sentiment = strings.ToLower(a.Sentiment)
	default:
		a.Sentiment = SentimentNeutral
	}

	switch strings.ToLower(a.ActionType) {
	case ActionIgnore, ActionWarn, ActionTimeout, ActionBan, ActionProtect:
		a.ActionType = strings.ToLower(a.ActionType)
	default:
		a.ActionType = ActionIgnore
	}

	if a.Categories == nil {
		a.Categories = []string{}
	}
	if a.KeywordsDetected == nil {
		a.KeywordsDetected = []string{}
	}
	if a.AnalyzedAt.IsZero() {
		a.AnalyzedAt = time.Now()
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// MessageRecord is the unit persisted to the relational store.
type MessageRecord struct {
	Message  Message
	Analysis Analysis
	PointID  string
}

// PointPayload is the document stored alongside a vector. It carries enough to
// re-derive the relational row during reconciliation.
type PointPayload struct {
	Message  Message  `json:"message"`
	Analysis Analysis `json:"analysis"`
}

// VectorPoint is a single embedded message in a collection.
type VectorPoint struct {
	PointID   string       `json:"point_id"`
	MessageID string       `json:"message_id"`
	Vector    []float32    `json:"-"`
	Payload   PointPayload `json:"payload"`
}

// Record converts a stored point back into a relational record.
func (p VectorPoint) Record() MessageRecord {
	return MessageRecord{Message: p.Payload.Message, Analysis: p.Payload.Analysis, PointID: p.PointID}
}

// SimilarMessage is a search hit from the vector store.
type SimilarMessage struct {
	MessageID string       `json:"message_id"`
	Score     float64      `json:"score"`
	Payload   PointPayload `json:"payload"`
}

// UserStats is the per-author rollup kept by the relational store.
type UserStats struct {
	Username      string    `json:"username"`
	TotalMessages int       `json:"total_messages"`
	ToxicMessages int       `json:"toxic_messages"`
	SpamMessages  int       `json:"spam_messages"`
	AvgToxicity   float64   `json:"avg_toxicity"`
	AvgSpamProb   float64   `json:"avg_spam_prob"`
	RiskLevel     string    `json:"risk_level"`
	LastSeen      time.Time `json:"last_seen"`
}

// RiskLevelFor maps an average toxicity to the user risk bucket.
func RiskLevelFor(avgToxicity float64) string {
	switch {
	case avgToxicity > 0.7:
		return "high"
	case avgToxicity > 0.4:
		return "medium"
	default:
		return "low"
	}
}
