package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	similarLimit    = 5
	similarMinScore = 0.7
)

// AnalyzeResult is the verdict on a single ad-hoc message.
type AnalyzeResult struct {
	Message    domain.Message          `json:"message"`
	Analysis   domain.Analysis         `json:"analysis"`
	Severity   domain.Severity         `json:"severity"`
	Alert      *domain.Alert           `json:"alert,omitempty"`
	Collection string                  `json:"collection,omitempty"`
	Similar    []domain.SimilarMessage `json:"similar"`
}

// AnalyzeMessageUseCase classifies one message without persisting it and
// looks up similar stored messages.
type AnalyzeMessageUseCase struct {
	classifier domain.Classifier
	embedder   domain.Embedder
	vectors    domain.VectorStore
	logger     *slog.Logger
	exempt     string
}

// NewAnalyzeMessageUseCase creates a new AnalyzeMessageUseCase. vectors may be
// nil, in which case no similarity search is made.
func NewAnalyzeMessageUseCase(classifier domain.Classifier, embedder domain.Embedder, vectors domain.VectorStore, logger *slog.Logger, exemptUsername string) *AnalyzeMessageUseCase {
	return &AnalyzeMessageUseCase{
		classifier: classifier,
		embedder:   embedder,
		vectors:    vectors,
		logger:     logger.With("component", "analyze"),
		exempt:     strings.ToLower(strings.TrimSpace(exemptUsername)),
	}
}

// Analyze classifies text written by username. When collection is set the
// message is embedded and compared against it.
func (uc *AnalyzeMessageUseCase) Analyze(ctx context.Context, username, text, collection string) (AnalyzeResult, error) {
	if strings.TrimSpace(text) == "" {
		return AnalyzeResult{}, fmt.Errorf("%w: text is required", domain.ErrInvalidInput)
	}

	now := time.Now()
	msg := domain.Enrich(domain.Message{
		Username:   username,
		Text:       text,
		Timestamp:  now,
		FileSource: "analyze",
	})

	analysis, err := uc.classifier.Classify(ctx, msg)
	if err != nil {
		uc.logger.Warn("classification failed, using default analysis", "message_id", msg.ID, "error", err)
		analysis = domain.DefaultAnalysis(msg, err.Error())
	}
	analysis.MessageID = msg.ID

	res := AnalyzeResult{
		Message:    msg,
		Analysis:   analysis,
		Severity:   domain.SeverityFor(analysis.ToxicityScore, analysis.SpamProbability),
		Collection: collection,
		Similar:    []domain.SimilarMessage{},
	}
	if analysis.RequiresAction && (uc.exempt == "" || strings.ToLower(msg.Username) != uc.exempt) {
		alert := domain.NewAlert(msg, analysis)
		res.Alert = &alert
	}

	if collection == "" || uc.vectors == nil {
		return res, nil
	}

	vector, err := uc.embedder.Embed(ctx, msg.Text)
	if err != nil || len(vector) == 0 {
		uc.logger.Warn("embedding failed, skipping similarity search", "message_id", msg.ID, "error", err)
		return res, nil
	}
	similar, err := uc.vectors.SearchSimilar(ctx, collection, vector, similarLimit, similarMinScore)
	if err != nil {
		return res, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	if similar != nil {
		res.Similar = similar
	}
	return res, nil
}
