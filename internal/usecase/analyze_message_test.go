package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/domain/mocks"
)

func TestAnalyzeMessageUseCase_Analyze(t *testing.T) {
	similar := []domain.SimilarMessage{{MessageID: "m1", Score: 0.91}}

	testCases := []struct {
		name          string
		username      string
		text          string
		collection    string
		classifyErr   error
		embedErr      error
		expectAlert   bool
		expectSev     domain.Severity
		expectModel   string
		expectSimilar int
	}{
		{
			name:          "Toxic message with similar history",
			username:      "troll",
			text:          "you are terrible",
			collection:    "twitch_chan_1a2b3c4d",
			expectAlert:   true,
			expectSev:     domain.SeverityCritical,
			expectSimilar: 1,
		},
		{
			name:          "No collection skips the search",
			username:      "troll",
			text:          "you are terrible",
			expectAlert:   true,
			expectSev:     domain.SeverityCritical,
			expectSimilar: 0,
		},
		{
			name:          "Exempt user never alerts",
			username:      "NiaghtMares",
			text:          "you are terrible",
			collection:    "twitch_chan_1a2b3c4d",
			expectAlert:   false,
			expectSev:     domain.SeverityCritical,
			expectSimilar: 1,
		},
		{
			name:          "Classifier failure falls back",
			username:      "alice",
			text:          "hello",
			collection:    "twitch_chan_1a2b3c4d",
			classifyErr:   errors.New("ollama down"),
			expectSev:     domain.SeverityLow,
			expectModel:   domain.ModelFallback,
			expectSimilar: 1,
		},
		{
			name:          "Embedding failure leaves similar empty",
			username:      "alice",
			text:          "hello",
			collection:    "twitch_chan_1a2b3c4d",
			embedErr:      errors.New("embed failed"),
			expectSev:     domain.SeverityLow,
			expectSimilar: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			classifier := &mocks.MockClassifier{Verdicts: map[string]domain.Analysis{"you are terrible": toxic(0.85)}, Err: tc.classifyErr}
			embedder := &mocks.MockEmbedder{Err: tc.embedErr}
			vectors := mocks.NewMockVectorStore()
			vectors.Similar = similar
			uc := NewAnalyzeMessageUseCase(classifier, embedder, vectors, testLogger(), "niaghtmares")

			res, err := uc.Analyze(context.Background(), tc.username, tc.text, tc.collection)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if (res.Alert != nil) != tc.expectAlert {
				t.Errorf("expected alert=%v, got %+v", tc.expectAlert, res.Alert)
			}
			if res.Severity != tc.expectSev {
				t.Errorf("expected severity %s, got %s", tc.expectSev, res.Severity)
			}
			if tc.expectModel != "" && res.Analysis.ModelUsed != tc.expectModel {
				t.Errorf("expected model %q, got %q", tc.expectModel, res.Analysis.ModelUsed)
			}
			if len(res.Similar) != tc.expectSimilar {
				t.Errorf("expected %d similar messages, got %d", tc.expectSimilar, len(res.Similar))
			}
			if res.Analysis.MessageID != res.Message.ID || res.Message.ID == "" {
				t.Errorf("expected analysis to reference message %q, got %q", res.Message.ID, res.Analysis.MessageID)
			}
		})
	}

	t.Run("Empty text is rejected", func(t *testing.T) {
		uc := NewAnalyzeMessageUseCase(&mocks.MockClassifier{}, &mocks.MockEmbedder{}, nil, testLogger(), "")
		if _, err := uc.Analyze(context.Background(), "alice", "   ", ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Search failure is returned", func(t *testing.T) {
		vectors := mocks.NewMockVectorStore()
		vectors.SearchErr = errors.New("pg down")
		uc := NewAnalyzeMessageUseCase(&mocks.MockClassifier{}, &mocks.MockEmbedder{}, vectors, testLogger(), "")
		res, err := uc.Analyze(context.Background(), "alice", "hi", "coll")
		if err == nil {
			t.Fatal("expected an error")
		}
		if res.Message.ID == "" {
			t.Error("expected the partial result to carry the message")
		}
	})
}
