package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/chatwatch/internal/adapter/api/handler"
	"github.com/V4T54L/chatwatch/internal/adapter/api/middleware"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

// AdminDeps collects the collaborators of the admin server. Streams may be
// nil when no Redis is configured; its routes are then not registered.
type AdminDeps struct {
	Gatherer prometheus.Gatherer
	Status   *handler.StatusHandler
	Broker   *handler.SSEBroker
	Streams  *usecase.AdminStreamUseCase
}

// NewAdminRouter creates and configures the HTTP router for admin operations.
func NewAdminRouter(deps AdminDeps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", deps.Status.Health)
	mux.HandleFunc("GET /admin/session", deps.Status.Session)
	mux.HandleFunc("GET /admin/alerts", deps.Status.Alerts)
	mux.HandleFunc("GET /admin/users/risky", deps.Status.RiskyUsers)

	if deps.Broker != nil {
		mux.Handle("GET /alerts/stream", deps.Broker)
	}

	if deps.Streams != nil {
		admin := handler.NewAdminHandler(deps.Streams, logger)

		mux.HandleFunc("GET /admin/streams", admin.ListStreams)
		mux.HandleFunc("GET /admin/streams/{streamName}", admin.GetStreamInfo)
		mux.HandleFunc("GET /admin/streams/{streamName}/groups", admin.GetGroupInfo)
		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/consumers", admin.GetConsumerInfo)

		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/pending", admin.GetPendingSummary)
		mux.HandleFunc("GET /admin/streams/{streamName}/groups/{groupName}/pending/messages", admin.GetPendingMessages)

		mux.HandleFunc("POST /admin/streams/{streamName}/groups/{groupName}/claim", admin.ClaimMessages)
		mux.HandleFunc("POST /admin/streams/{streamName}/groups/{groupName}/ack", admin.AcknowledgeMessages)
		mux.HandleFunc("POST /admin/streams/{streamName}/trim", admin.TrimStream)

		mux.HandleFunc("GET /admin/dlq", admin.DeadLetters)
		mux.HandleFunc("POST /admin/dlq/requeue", admin.RequeueDeadLetters)
	}

	return middleware.Logging(logger)(mux)
}
