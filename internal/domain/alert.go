package domain

import (
	"strings"
	"time"
)

// Severity is the ordered alert tier.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all tiers from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts a case-insensitive tier name, defaulting to LOW.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityFor maps toxicity and spam scores to a tier.
func SeverityFor(toxicity, spam float64) Severity {
	switch {
	case toxicity >= 0.8 || spam >= 0.9:
		return SeverityCritical
	case toxicity >= 0.6 || spam >= 0.7:
		return SeverityHigh
	case toxicity >= 0.4 || spam >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Alert is raised for an actionable message.
type Alert struct {
	MessageID       string    `json:"message_id"`
	Username        string    `json:"username"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	Toxicity        float64   `json:"toxicity"`
	SpamProbability float64   `json:"spam_probability"`
	Sentiment       string    `json:"sentiment"`
	Action          string    `json:"action"`
	Reason          string    `json:"reason"`
	Categories      []string  `json:"categories"`
	Severity        Severity  `json:"severity"`
	FileSource      string    `json:"file_source"`
	RaisedAt        time.Time `json:"raised_at"`
}

// NewAlert builds the alert for an analyzed message.
func NewAlert(m Message, a Analysis) Alert {
	return Alert{
		MessageID:       m.ID,
		Username:        m.Username,
		Text:            m.Text,
		Timestamp:       m.Timestamp,
		Toxicity:        a.ToxicityScore,
		SpamProbability: a.SpamProbability,
		Sentiment:       a.Sentiment,
		Action:          a.ActionType,
		Reason:          a.Reasoning,
		Categories:      a.Categories,
		Severity:        SeverityFor(a.ToxicityScore, a.SpamProbability),
		FileSource:      m.FileSource,
		RaisedAt:        time.Now(),
	}
}
