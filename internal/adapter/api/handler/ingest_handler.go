package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

// DefaultSource names requests that omit the source parameter.
const DefaultSource = "http"

// Ingester runs received chat lines through the pipeline.
type Ingester interface {
	IngestLines(ctx context.Context, source string, lines []string, session *domain.Session) (usecase.IngestResult, error)
	IngestMessages(ctx context.Context, source string, msgs []domain.Message, session *domain.Session) (usecase.IngestResult, error)
}

// IngestResponse is the body of an accepted ingest request.
type IngestResponse struct {
	Parsed     int `json:"parsed"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Alerts     int `json:"alerts"`
}

// ndjsonLine is one message of an application/x-ndjson body.
type ndjsonLine struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

var errBadLine = errors.New("malformed ndjson line")

// IngestHandler handles POST /v1/lines.
type IngestHandler struct {
	ingester     Ingester
	session      *domain.Session
	metrics      *metrics.PipelineMetrics
	logger       *slog.Logger
	maxEventSize int64
}

// NewIngestHandler creates a new IngestHandler. Counters of every request
// are added to session.
func NewIngestHandler(ingester Ingester, session *domain.Session, m *metrics.PipelineMetrics, logger *slog.Logger, maxEventSize int64) *IngestHandler {
	return &IngestHandler{
		ingester:     ingester,
		session:      session,
		metrics:      m,
		logger:       logger.With("component", "ingest_handler"),
		maxEventSize: maxEventSize,
	}
}

// ServeHTTP processes incoming chat lines.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)

	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = DefaultSource
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var res usecase.IngestResult
	switch mediaType {
	case "text/plain":
		res, err = h.handlePlain(r.Context(), source, r.Body)
	case "application/x-ndjson":
		res, err = h.handleNDJSON(r.Context(), source, r.Body)
	default:
		h.metrics.IngestRequests.WithLabelValues("error_media_type").Inc()
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			h.metrics.IngestRequests.WithLabelValues("error_size").Inc()
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, errBadLine):
			h.metrics.IngestRequests.WithLabelValues("error_parse").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.metrics.IngestRequests.WithLabelValues("error_process").Inc()
			h.logger.Error("failed to process ingest request", "source", source, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.metrics.IngestRequests.WithLabelValues("accepted").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(IngestResponse{
		Parsed:     res.Parsed,
		New:        res.New,
		Duplicates: res.Duplicates,
		Alerts:     len(res.Batch.Alerts),
	})
}

func (h *IngestHandler) handlePlain(ctx context.Context, source string, body io.Reader) (usecase.IngestResult, error) {
	var lines []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(h.maxEventSize))
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return usecase.IngestResult{}, err
	}
	return h.ingester.IngestLines(ctx, source, lines, h.session)
}

func (h *IngestHandler) handleNDJSON(ctx context.Context, source string, body io.Reader) (usecase.IngestResult, error) {
	var msgs []domain.Message
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(h.maxEventSize))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var line ndjsonLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return usecase.IngestResult{}, fmt.Errorf("%w %d: %v", errBadLine, lineNo, err)
		}
		if strings.TrimSpace(line.Text) == "" {
			return usecase.IngestResult{}, fmt.Errorf("%w %d: text is required", errBadLine, lineNo)
		}
		msgs = append(msgs, domain.Message{
			Username:     line.Username,
			Text:         line.Text,
			TimestampRaw: line.Timestamp,
			FileSource:   source,
			LineNumber:   lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return usecase.IngestResult{}, err
	}
	return h.ingester.IngestMessages(ctx, source, msgs, h.session)
}
