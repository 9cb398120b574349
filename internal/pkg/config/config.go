package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	BatchSize      int    `env:"BATCH_SIZE" envDefault:"50"`
	ExemptUsername string `env:"EXEMPT_USERNAME" envDefault:"niaghtmares"`
	ParserDebug    bool   `env:"PARSER_DEBUG" envDefault:"false"`

	RelationalBackend    string `env:"RELATIONAL_BACKEND" envDefault:"postgres"`
	VectorBackend        string `env:"VECTOR_BACKEND" envDefault:"postgres"`
	PostgresURL          string `env:"POSTGRES_URL"`
	SQLiteRelationalPath string `env:"SQLITE_RELATIONAL_PATH" envDefault:"./data/chatwatch.db"`
	SQLiteVectorPath     string `env:"SQLITE_VECTOR_PATH" envDefault:"./data/vectors.db"`
	VectorSize           int    `env:"VECTOR_SIZE" envDefault:"768"`
	RedisAddr            string `env:"REDIS_ADDR"`

	OllamaURL         string        `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel       string        `env:"OLLAMA_MODEL" envDefault:"llama3"`
	EmbeddingModel    string        `env:"EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	OllamaTimeout     time.Duration `env:"OLLAMA_TIMEOUT" envDefault:"30s"`
	ClassifierRPS     float64       `env:"CLASSIFIER_RPS" envDefault:"5"`
	ClassifierRetries int           `env:"CLASSIFIER_RETRIES" envDefault:"3"`

	LogsPath           string `env:"LOGS_PATH" envDefault:"./data/logs"`
	LogsGlob           string `env:"LOGS_GLOB" envDefault:"**/*.log"`
	OutputPath         string `env:"OUTPUT_PATH" envDefault:"./data/processed"`
	CheckpointPath     string `env:"CHECKPOINT_PATH" envDefault:"./data/cursors.json"`
	JournalDir         string `env:"JOURNAL_DIR" envDefault:"./data/journal"`
	JournalSegment     int64  `env:"JOURNAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	JournalMaxDisk     int64  `env:"JOURNAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB
	TailerCacheSize    int    `env:"TAILER_CACHE_SIZE" envDefault:"50000"`
	CatchupLines       int    `env:"CATCHUP_LINES" envDefault:"100"`
	WebhookURL         string `env:"WEBHOOK_URL"`
	WebhookMinSeverity string `env:"WEBHOOK_MIN_SEVERITY" envDefault:"CRITICAL"`

	// WebhookRedactFields names alert fields blanked before webhook delivery.
	WebhookRedactFields []string `env:"WEBHOOK_REDACT_FIELDS" envSeparator:","`

	IngestServerAddr string        `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	MaxRequestSize   int64         `env:"MAX_REQUEST_SIZE_BYTES" envDefault:"1048576"`
	APIKeyCacheTTL   time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the combinations env tags cannot express.
func (c *Config) Validate() error {
	for _, b := range []string{c.RelationalBackend, c.VectorBackend} {
		if b != BackendPostgres && b != BackendSQLite {
			return fmt.Errorf("unknown storage backend %q", b)
		}
	}
	if (c.RelationalBackend == BackendPostgres || c.VectorBackend == BackendPostgres) && c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required for the postgres backend")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("VECTOR_SIZE must be positive, got %d", c.VectorSize)
	}
	return nil
}
