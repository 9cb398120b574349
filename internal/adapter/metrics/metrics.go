package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatwatch"

// PipelineMetrics holds all Prometheus metrics for the moderation pipeline.
type PipelineMetrics struct {
	LinesTotal         *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec
	DuplicatesTotal    *prometheus.CounterVec
	DivergenceTotal    prometheus.Counter
	ClassifierRequests *prometheus.CounterVec
	Inconsistencies    prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
	TailerCursor       *prometheus.GaugeVec
	JournalActive      prometheus.Gauge
	IngestRequests     *prometheus.CounterVec
	APIKeyCacheHits    prometheus.Counter
	APIKeyCacheMisses  prometheus.Counter
}

// NewPipelineMetrics initializes the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		LinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "lines_total",
			Help:      "Total number of chat log lines seen by result.",
		}, []string{"result"}), // result: parsed, fallback, rejected
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Total number of messages handled by the processor by status.",
		}, []string{"status"}), // status: persisted, skipped, inconsistent, deferred
		DuplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Total number of duplicate messages removed by tier.",
		}, []string{"tier"}), // tier: prefilter, batch, relational, vector
		DivergenceTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "divergence_total",
			Help:      "Total number of message ids found in only one of the two stores.",
		}),
		ClassifierRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "requests_total",
			Help:      "Total number of classification attempts by status.",
		}, []string{"status"}), // status: ok, unparsed, error, circuit_open
		Inconsistencies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inconsistencies_total",
			Help:      "Total number of vector writes whose relational write failed.",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts raised by severity.",
		}, []string{"severity"}),
		TailerCursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "cursor_bytes",
			Help:      "Current byte offset of each tailed file.",
		}, []string{"file"}),
		JournalActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "journal_active_gauge",
			Help:      "Indicates if deferrals are currently going to the local journal (1 for active, 0 for inactive).",
		}),
		IngestRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "requests_total",
			Help:      "Total number of HTTP ingest requests by status.",
		}, []string{"status"}), // status: accepted, error_parse, error_size, error_media_type, error_process
		APIKeyCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
	}
}
