package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric (bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets resolve sub-millisecond evaluations up to 100ms.
var lowLatencyBuckets = []float64{.0001, .00025, .0005, .001, .002, .005, .010, .025, .050, .100}

var (
	// -------------------------------------------------------------------------
	// SDK (evaluation)
	// -------------------------------------------------------------------------

	// EvaluationDuration measures client calls per method.
	// Metric: bifrost_sdk_evaluation_seconds
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "evaluation_seconds",
		Help:      "Time taken by client evaluation calls",
		Buckets:   lowLatencyBuckets,
	}, []string{"method"})

	// EvaluationExceptions counts evaluations that ended with the exception label.
	EvaluationExceptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "evaluation_exceptions_total",
		Help:      "Total evaluations that failed and served control",
	}, []string{"method"})

	// CacheItems tracks the size of the in-memory storages.
	CacheItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "cache_items",
		Help:      "Current number of items per storage",
	}, []string{"kind"}) // splits, segments, rule_based_segments

	// SDKReady is 1 once the initial synchronization completed.
	SDKReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sdk",
		Name:      "ready",
		Help:      "Whether the SDK finished its initial synchronization",
	})

	// -------------------------------------------------------------------------
	// SYNCER
	// -------------------------------------------------------------------------

	// SyncDuration measures a full synchronization of one resource.
	// Metric: bifrost_syncer_sync_duration_seconds
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "sync_duration_seconds",
		Help:      "Time taken to synchronize a resource with the change feed",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resource"}) // splits, segment

	SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "sync_total",
		Help:      "Total synchronizations by outcome",
	}, []string{"resource", "status"}) // success, fail

	// ParseFailures counts definitions skipped because they could not be compiled.
	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "parse_failures_total",
		Help:      "Total definitions skipped due to parse errors",
	}, []string{"kind"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "notifications_total",
		Help:      "Total push notifications processed",
	}, []string{"type", "status"}) // applied, ignored, resync, dropped

	SegmentQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "segment_queue_depth",
		Help:      "Current number of segment updates waiting for a worker",
	})

	// -------------------------------------------------------------------------
	// IMPRESSIONS & EVENTS
	// -------------------------------------------------------------------------

	ImpressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "impressions_total",
		Help:      "Total impressions by outcome",
	}, []string{"status"}) // queued, deduped, dropped

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "events_total",
		Help:      "Total tracked events by outcome",
	}, []string{"status"}) // queued, invalid, dropped

	SinkFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "sink_flush_total",
		Help:      "Total batches flushed to the sink by outcome",
	}, []string{"queue", "status"})

	SinkQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "sink_queue_depth",
		Help:      "Current number of records buffered for the sink",
	}, []string{"queue"})

	// -------------------------------------------------------------------------
	// EVALUATOR API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: bifrost_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the evaluator API",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the evaluator API",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// DATABASE
	// -------------------------------------------------------------------------

	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Connections in the PostgreSQL pool by state",
	}, []string{"state"}) // total, idle, in_use, max

	DBPoolAcquires = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquires",
		Help:      "Cumulative successful connection acquisitions",
	})

	DBPoolWaits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_waits",
		Help:      "Cumulative acquisitions that had to wait for a connection",
	})
)
