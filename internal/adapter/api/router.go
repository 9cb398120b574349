package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/chatwatch/internal/adapter/api/handler"
	"github.com/V4T54L/chatwatch/internal/adapter/api/middleware"
	"github.com/V4T54L/chatwatch/internal/domain"
)

// NewRouter creates and configures the HTTP router for the ingest server.
func NewRouter(logger *slog.Logger, apiKeyRepo domain.APIKeyRepository, ingestHandler *handler.IngestHandler) http.Handler {
	mux := http.NewServeMux()

	auth := middleware.Auth(apiKeyRepo, logger)
	mux.Handle("POST /v1/lines", auth(ingestHandler))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return middleware.Logging(logger)(mux)
}
