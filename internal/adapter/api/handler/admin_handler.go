package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

// AdminHandler serves the stream administration routes of the admin server.
type AdminHandler struct {
	uc     *usecase.AdminStreamUseCase
	logger *slog.Logger
}

func NewAdminHandler(uc *usecase.AdminStreamUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger.With("component", "admin_handler")}
}

// GET /admin/streams
func (h *AdminHandler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.uc.Streams(r.Context())
	h.reply(w, "failed to list streams", streams, err)
}

// GET /admin/streams/{streamName}
func (h *AdminHandler) GetStreamInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.uc.GetStreamInfo(r.Context(), r.PathValue("streamName"))
	h.reply(w, "failed to get stream info", info, err)
}

// GET /admin/streams/{streamName}/groups
func (h *AdminHandler) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	groups, err := h.uc.GetGroupInfo(r.Context(), r.PathValue("streamName"))
	h.reply(w, "failed to get group info", groups, err)
}

// GET /admin/streams/{streamName}/groups/{groupName}/consumers
func (h *AdminHandler) GetConsumerInfo(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.uc.GetConsumerInfo(r.Context(), r.PathValue("streamName"), r.PathValue("groupName"))
	h.reply(w, "failed to get consumer info", consumers, err)
}

// GET /admin/streams/{streamName}/groups/{groupName}/pending
func (h *AdminHandler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.uc.GetPendingSummary(r.Context(), r.PathValue("streamName"), r.PathValue("groupName"))
	h.reply(w, "failed to get pending summary", summary, err)
}

// GetPendingMessages lists unacknowledged entries of a group.
// GET /admin/streams/{streamName}/groups/{groupName}/pending/messages?consumer=&start=&count=
func (h *AdminHandler) GetPendingMessages(w http.ResponseWriter, r *http.Request) {
	count, ok := queryCount(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	messages, err := h.uc.GetPendingMessages(r.Context(), r.PathValue("streamName"), r.PathValue("groupName"), q.Get("consumer"), q.Get("start"), count)
	h.reply(w, "failed to get pending messages", messages, err)
}

// ClaimMessages reassigns idle deferrals to another consumer.
// POST /admin/streams/{streamName}/groups/{groupName}/claim
func (h *AdminHandler) ClaimMessages(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Consumer    string   `json:"consumer"`
		MinIdleTime string   `json:"min_idle_time"`
		MessageIDs  []string `json:"message_ids"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	minIdle, err := time.ParseDuration(payload.MinIdleTime)
	if err != nil {
		http.Error(w, "invalid min_idle_time format", http.StatusBadRequest)
		return
	}

	claimed, err := h.uc.ClaimMessages(r.Context(), r.PathValue("streamName"), r.PathValue("groupName"), payload.Consumer, minIdle, payload.MessageIDs)
	h.reply(w, "failed to claim messages", claimed, err)
}

// POST /admin/streams/{streamName}/groups/{groupName}/ack
func (h *AdminHandler) AcknowledgeMessages(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageIDs []string `json:"message_ids"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if len(payload.MessageIDs) == 0 {
		http.Error(w, "message_ids cannot be empty", http.StatusBadRequest)
		return
	}

	n, err := h.uc.AcknowledgeMessages(r.Context(), r.PathValue("streamName"), r.PathValue("groupName"), payload.MessageIDs...)
	h.reply(w, "failed to acknowledge messages", map[string]int64{"acknowledged": n}, err)
}

// POST /admin/streams/{streamName}/trim
func (h *AdminHandler) TrimStream(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxLen int64 `json:"maxlen"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.MaxLen <= 0 {
		http.Error(w, "maxlen must be a positive integer", http.StatusBadRequest)
		return
	}

	n, err := h.uc.TrimStream(r.Context(), r.PathValue("streamName"), payload.MaxLen)
	h.reply(w, "failed to trim stream", map[string]int64{"trimmed": n}, err)
}

// DeadLetters lists deferrals that exhausted their retries.
// GET /admin/dlq?count=
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	count, ok := queryCount(w, r)
	if !ok {
		return
	}
	dead, err := h.uc.DeadLetters(r.Context(), count)
	h.reply(w, "failed to list dead letters", dead, err)
}

// RequeueDeadLetters puts dead letters back on the deferred stream.
// POST /admin/dlq/requeue
func (h *AdminHandler) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StreamIDs []string `json:"stream_ids"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}

	n, err := h.uc.RequeueDeadLetters(r.Context(), payload.StreamIDs)
	h.reply(w, "failed to requeue dead letters", map[string]int{"requeued": n}, err)
}

// reply writes body as JSON, or maps err to a status: unknown streams are
// 404 and invalid input is 400.
func (h *AdminHandler) reply(w http.ResponseWriter, msg string, body any, err error) {
	switch {
	case err == nil:
		respondWithJSON(w, h.logger, http.StatusOK, body)
	case errors.Is(err, usecase.ErrUnknownStream):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// queryCount parses the optional count parameter; zero lets the use case
// pick its default.
func queryCount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("count")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
