package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chatwatch/internal/adapter/api/handler"
	"github.com/V4T54L/chatwatch/internal/adapter/classifier"
	"github.com/V4T54L/chatwatch/internal/adapter/metrics"
	"github.com/V4T54L/chatwatch/internal/adapter/notifier"
	"github.com/V4T54L/chatwatch/internal/adapter/parser"
	"github.com/V4T54L/chatwatch/internal/adapter/pii"
	"github.com/V4T54L/chatwatch/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/chatwatch/internal/adapter/repository/redis"
	"github.com/V4T54L/chatwatch/internal/adapter/repository/sqlite"
	"github.com/V4T54L/chatwatch/internal/adapter/repository/wal"
	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/pkg/config"
	"github.com/V4T54L/chatwatch/internal/pkg/logger"
	"github.com/V4T54L/chatwatch/internal/usecase"
)

const redisHealthInterval = 5 * time.Second

// app holds the wired pipeline shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.PipelineMetrics

	pg       *sql.DB
	messages domain.MessageStore
	vectors  domain.VectorStore
	journal  *wal.JournalRepository
	redis    *redis.Client
	queue    *redisrepo.QueueRepository
	ollama   *classifier.OllamaClient
	parser   *parser.Parser
	recent   *notifier.Recent

	dedup     *usecase.DeduplicateUseCase
	processor *usecase.ProcessMessagesUseCase
	ingest    *usecase.IngestUseCase

	closers []func() error
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	return cfg, log, nil
}

// newApp connects the stores and builds the pipeline. extra notifiers
// receive every alert next to the log, webhook, Redis and recent-alert sinks.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, extra ...domain.Notifier) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
		recent:  notifier.NewRecent(notifier.DefaultRecentSize),
	}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var err error
	a.journal, err = wal.NewJournalRepository(cfg.JournalDir, cfg.JournalSegment, cfg.JournalMaxDisk, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	a.closers = append(a.closers, a.journal.Close)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.redis.Close)
		a.queue = redisrepo.NewQueueRepository(a.redis, a.journal, a.metrics, log)
		if !a.queue.Available() {
			log.Warn("could not connect to redis, deferrals will be journaled", "addr", cfg.RedisAddr)
		}
		go a.queue.StartHealthCheck(ctx, redisHealthInterval)
	}

	a.ollama = classifier.NewOllamaClient(classifier.Config{
		BaseURL:        cfg.OllamaURL,
		Model:          cfg.OllamaModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Timeout:        cfg.OllamaTimeout,
		RPS:            cfg.ClassifierRPS,
		Retries:        cfg.ClassifierRetries,
		ExemptUsername: cfg.ExemptUsername,
	}, a.metrics, log)

	sinks := notifier.Multi{notifier.NewLogNotifier(log), a.recent}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notifier.NewWebhookNotifier(notifier.WebhookConfig{
			URL:         cfg.WebhookURL,
			MinSeverity: domain.ParseSeverity(cfg.WebhookMinSeverity),
			Redactor:    pii.NewRedactor(cfg.WebhookRedactFields, log),
		}, log))
	}
	if a.queue != nil {
		sinks = append(sinks, a.queue)
	}
	sinks = append(sinks, extra...)

	a.parser = parser.New(cfg.ParserDebug, log)
	a.dedup = usecase.NewDeduplicateUseCase(a.messages, a.vectors, a.metrics, log)
	a.processor = usecase.NewProcessMessagesUseCase(
		a.ollama, a.ollama, a.vectors, a.messages, a.journal, a.deferredQueue(), sinks,
		a.metrics, log,
		usecase.ProcessorOptions{BatchSize: cfg.BatchSize, ExemptUsername: cfg.ExemptUsername},
	)
	a.ingest = usecase.NewIngestUseCase(a.parser, a.vectors, a.dedup, a.processor, notifier.NewReportWriter(cfg.OutputPath), a.metrics, log)

	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	cfg := a.cfg

	if cfg.RelationalBackend == config.BackendPostgres || cfg.VectorBackend == config.BackendPostgres {
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		a.pg = db
		a.closers = append(a.closers, db.Close)

		vectorSize := 0
		if cfg.VectorBackend == config.BackendPostgres {
			vectorSize = cfg.VectorSize
		}
		if err := postgres.Migrate(ctx, db, vectorSize, a.logger); err != nil {
			return err
		}
	}

	switch cfg.RelationalBackend {
	case config.BackendPostgres:
		a.messages = postgres.NewMessageRepository(a.pg, a.logger)
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLiteRelationalPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.messages = sqlite.NewMessageRepository(db, a.logger)
	}

	switch cfg.VectorBackend {
	case config.BackendPostgres:
		a.vectors = postgres.NewVectorRepository(a.pg, cfg.VectorSize, a.logger)
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLiteVectorPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.vectors = sqlite.NewVectorRepository(db, cfg.VectorSize, a.logger)
	}

	a.logger.Info("stores ready", "relational", cfg.RelationalBackend, "vector", cfg.VectorBackend)
	return nil
}

// deferredQueue returns the Redis queue, or nil when none is configured.
func (a *app) deferredQueue() domain.DeferredQueue {
	if a.queue == nil {
		return nil
	}
	return a.queue
}

// healthChecks probes every backing service the app depends on.
func (a *app) healthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"ollama": func(ctx context.Context) error {
			h := a.ollama.Health(ctx)
			if h.Status != "healthy" {
				return errors.New(h.Error)
			}
			if !h.TargetModelAvailable {
				return fmt.Errorf("model %s is not pulled", h.TargetModel)
			}
			return nil
		},
		"journal": func(ctx context.Context) error {
			if size := a.journal.Size(); size > a.cfg.JournalMaxDisk {
				return fmt.Errorf("journal holds %d bytes", size)
			}
			return nil
		},
	}
	if a.pg != nil {
		checks["postgres"] = a.pg.PingContext
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "chatwatch"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
