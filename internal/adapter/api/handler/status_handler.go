package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// AlertLister returns recently raised alerts, newest first.
type AlertLister interface {
	List() []domain.Alert
}

// StatusHandler serves the run's health, session counters and recent alerts.
type StatusHandler struct {
	session  *domain.Session
	alerts   AlertLister
	messages domain.MessageStore
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler. checks maps a dependency name to
// its probe; messages may be nil.
func NewStatusHandler(session *domain.Session, alerts AlertLister, messages domain.MessageStore, checks map[string]HealthCheck, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		session:  session,
		alerts:   alerts,
		messages: messages,
		checks:   checks,
		logger:   logger.With("component", "status_handler"),
	}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Health runs every probe and answers 503 if any fails.
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Components: make(map[string]string, len(h.checks))}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", "component", name, "error", err)
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}
	respondWithJSON(w, h.logger, code, resp)
}

// Session returns the counters of the current run.
// GET /admin/session
func (h *StatusHandler) Session(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, h.session.Snapshot())
}

// Alerts returns the most recent alerts, optionally filtered by minimum severity.
// GET /admin/alerts?min_severity={severity}
func (h *StatusHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.alerts.List()
	if s := r.URL.Query().Get("min_severity"); s != "" {
		threshold := domain.ParseSeverity(s)
		filtered := alerts[:0:0]
		for _, a := range alerts {
			if a.Severity.Rank() >= threshold.Rank() {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	respondWithJSON(w, h.logger, http.StatusOK, alerts)
}

// RiskyUsers lists medium and high risk authors.
// GET /admin/users/risky?limit={n}
func (h *StatusHandler) RiskyUsers(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil {
		http.Error(w, "relational store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	users, err := h.messages.RiskyUsers(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list risky users", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []domain.UserStats{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, users)
}

func respondWithJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
