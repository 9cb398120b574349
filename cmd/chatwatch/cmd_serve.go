package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/V4T54L/chatwatch/internal/adapter/api"
	"github.com/V4T54L/chatwatch/internal/adapter/api/handler"
	"github.com/V4T54L/chatwatch/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/chatwatch/internal/adapter/repository/redis"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingest and admin servers",
	Long:  "Accepts chat lines on POST /v1/lines and serves metrics, health, session, alerts and stream administration on the admin address.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	broker := handler.NewSSEBroker(ctx, log)
	a, err := newApp(ctx, cfg, log, broker)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.pg == nil {
		return errors.New("serve needs POSTGRES_URL: API keys are kept in postgres")
	}
	apiKeys := postgres.NewAPIKeyRepository(a.pg, cfg.APIKeyCacheTTL, a.metrics, log)

	session := domain.NewSession("serve")
	ingestHandler := handler.NewIngestHandler(a.ingest, session, a.metrics, log, cfg.MaxRequestSize)
	ingest := &http.Server{
		Addr:        cfg.IngestServerAddr,
		Handler:     api.NewRouter(log, apiKeys, ingestHandler),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}

	var streams *usecase.AdminStreamUseCase
	if a.redis != nil {
		streams = usecase.NewAdminStreamUseCase(redisrepo.NewAdminRepository(a.redis, log))
	}
	admin := a.adminServer(session, broker, streams)

	go serve(admin, "admin", log, stop)
	go serve(ingest, "ingest", log, stop)

	<-ctx.Done()
	log.Info("shutting down servers...")
	shutdown(ingest, "ingest", log)
	shutdown(admin, "admin", log)

	printSession(session.Snapshot())
	log.Info("servers shut down gracefully")
	return nil
}

// adminServer builds the metrics, status and alert-feed server. streams may
// be nil.
func (a *app) adminServer(session *domain.Session, broker *handler.SSEBroker, streams *usecase.AdminStreamUseCase) *http.Server {
	status := handler.NewStatusHandler(session, a.recent, a.messages, a.healthChecks(), a.logger)
	router := api.NewAdminRouter(api.AdminDeps{
		Gatherer: prometheus.DefaultGatherer,
		Status:   status,
		Broker:   broker,
		Streams:  streams,
	}, a.logger)
	return &http.Server{
		Addr:        a.cfg.AdminServerAddr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 15 * time.Second,
	}
}

// serve runs srv until it is shut down, calling stop if it fails.
func serve(srv *http.Server, name string, logger *slog.Logger, stop context.CancelFunc) {
	logger.Info(fmt.Sprintf("starting %s server", name), "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(fmt.Sprintf("%s server failed", name), "error", err)
		stop()
	}
}

func shutdown(srv *http.Server, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("%s server shutdown failed", name), "error", err)
	}
}
