package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
)

const (
	maxEmbedRunes = 1000
	streamerNote  = " | streamer message: prioritize visibility and full logging"
)

// Config holds the Ollama client settings.
type Config struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	// RPS caps outgoing requests per second; 0 disables the limiter.
	RPS        float64
	Retries    int
	RetryDelay time.Duration
	// ExemptUsername is the streamer whose messages are flagged for protection.
	ExemptUsername string
	Breaker        BreakerConfig
}

// OllamaClient classifies and embeds chat messages with a local Ollama server.
type OllamaClient struct {
	baseURL    string
	model      string
	embedModel string
	exempt     string
	retries    int
	retryDelay time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *breaker
	metrics    *metrics.PipelineMetrics
	logger     *slog.Logger
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Health is the result of probing the Ollama server.
type Health struct {
	Status               string   `json:"status"`
	ResponseTimeMS       int64    `json:"response_time_ms"`
	AvailableModels      []string `json:"available_models"`
	TargetModel          string   `json:"target_model"`
	TargetModelAvailable bool     `json:"target_model_available"`
	Breaker              string   `json:"circuit_breaker"`
	Error                string   `json:"error,omitempty"`
}

// NewOllamaClient creates a client. Zero values fall back to sensible defaults.
func NewOllamaClient(cfg Config, m *metrics.PipelineMetrics, logger *slog.Logger) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(1, int(cfg.RPS)))
	}
	logger = logger.With("component", "ollama")

	return &OllamaClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
		exempt:     strings.ToLower(cfg.ExemptUsername),
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		http:       &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		breaker:    newBreaker("ollama", cfg.Breaker, logger),
		metrics:    m,
		logger:     logger,
	}
}

// Classify asks the model for a moderation verdict on msg. A reply that
// cannot be parsed yields the default analysis; only transport failures
// are returned as errors.
func (c *OllamaClient) Classify(ctx context.Context, msg domain.Message) (domain.Analysis, error) {
	if strings.TrimSpace(msg.Text) == "" {
		a := domain.DefaultAnalysis(msg, "empty message")
		a.Normalize()
		return c.enhance(msg, a), nil
	}

	reply, err := c.generateWithRetry(ctx, buildPrompt(msg))
	if err != nil {
		status := "error"
		if errors.Is(err, ErrCircuitOpen) {
			status = "circuit_open"
		}
		c.metrics.ClassifierRequests.WithLabelValues(status).Inc()
		return domain.Analysis{}, fmt.Errorf("failed to classify %s: %w", msg.ID, err)
	}

	a, ok := parseVerdict(reply)
	if ok {
		a.ModelUsed = c.model
		c.metrics.ClassifierRequests.WithLabelValues("ok").Inc()
	} else {
		c.logger.Warn("unparseable model reply, using default analysis", "message_id", msg.ID, "reply", truncate(reply, 200))
		a = domain.DefaultAnalysis(msg, "JSON parse error")
		c.metrics.ClassifierRequests.WithLabelValues("unparsed").Inc()
	}
	a.MessageID = msg.ID
	a.AnalyzedAt = time.Now()
	a.Normalize()
	return c.enhance(msg, a), nil
}

// enhance flags the streamer's own messages for protection.
func (c *OllamaClient) enhance(msg domain.Message, a domain.Analysis) domain.Analysis {
	if c.exempt == "" || strings.ToLower(msg.Username) != c.exempt {
		return a
	}
	a.RequiresAction = true
	a.ActionType = domain.ActionProtect
	a.Reasoning += streamerNote
	return a
}

func (c *OllamaClient) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		res, err := c.breaker.execute(ctx, func() (any, error) {
			return c.generate(ctx, prompt)
		})
		if err == nil {
			return res.(string), nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("generate attempt failed", "attempt", attempt, "of", c.retries, "error", err)
		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return "", lastErr
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.1,
			TopP:        0.9,
			NumPredict:  300,
			Stop:        []string{"\n\n", "```"},
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("ollama returned an empty response")
	}
	return out.Response, nil
}

// Embed returns the embedding of text, truncated to its first 1000 runes.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if r := []rune(text); len(r) > maxEmbedRunes {
		text = string(r[:maxEmbedRunes])
	}
	res, err := c.breaker.execute(ctx, func() (any, error) {
		var out embedResponse
		if err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: text}, &out); err != nil {
			return nil, err
		}
		if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
			return nil, errors.New("ollama returned an empty embedding")
		}
		return out.Embeddings[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	return res.([]float32), nil
}

// Health probes /api/tags and reports whether the classification model is
// pulled. It bypasses the breaker so it can observe recovery.
func (c *OllamaClient) Health(ctx context.Context) Health {
	h := Health{Status: "unhealthy", TargetModel: c.model, AvailableModels: []string{}, Breaker: c.breaker.State()}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	resp, err := c.http.Do(req)
	h.ResponseTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		h.Error = err.Error()
		return h
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.Error = fmt.Sprintf("ollama returned status %d", resp.StatusCode)
		return h
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		h.Error = "failed to decode tags: " + err.Error()
		return h
	}
	for _, m := range tags.Models {
		h.AvailableModels = append(h.AvailableModels, m.Name)
		if m.Name == c.model || strings.TrimSuffix(m.Name, ":latest") == c.model {
			h.TargetModelAvailable = true
		}
	}
	h.Status = "healthy"
	return h
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func buildPrompt(msg domain.Message) string {
	return fmt.Sprintf(`You are a chat moderation assistant for a live stream. Analyze the chat message below and answer with a single JSON object and nothing else.

Username: %s
Message: %q

Respond with exactly these fields:
{
  "toxicity_score": <number between 0.0 and 1.0>,
  "spam_probability": <number between 0.0 and 1.0>,
  "sentiment": "positive" | "neutral" | "negative",
  "categories": [<zero or more of "harassment", "hate_speech", "spam", "self_promotion", "threat", "sexual", "off_topic">],
  "requires_action": true | false,
  "action_type": "ignore" | "warn" | "timeout" | "ban",
  "reasoning": "<one short sentence>",
  "keywords_detected": [<offending words, if any>]
}`, msg.Username, msg.Text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
