package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage instance metrics
	DatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_databases_total",
			Help: "Total number of open databases",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_sessions_total",
			Help: "Total number of active sessions",
		},
	)

	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_subscribers_total",
			Help: "Total number of active pub/sub subscribers",
		},
	)

	// KV engine metrics
	KVOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_kv_operations_total",
			Help: "Total number of KV operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	KVOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_kv_operation_duration_seconds",
			Help:    "KV operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	KVExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_kv_expirations_total",
			Help: "Total number of keys removed by the expiration engine",
		},
	)

	KVTrackedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_kv_tracked_keys",
			Help: "Number of keys currently tracked by the expiration engine",
		},
	)

	// View maintenance metrics
	ViewScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_view_scan_duration_seconds",
			Help:    "Integrity scan duration in seconds by view",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	ViewMapperDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_view_mapper_duration_seconds",
			Help:    "Mapper job duration in seconds by view",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	ViewDocumentsMapped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_view_documents_mapped_total",
			Help: "Total number of documents mapped by view",
		},
		[]string{"view"},
	)

	// Job manager metrics
	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_job_queue_depth",
			Help: "Number of jobs currently enqueued or running",
		},
	)

	JobsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_jobs_deduplicated_total",
			Help: "Total number of job lookups that coalesced onto an in-flight job",
		},
	)

	// Pub/Sub metrics
	PubSubMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pubsub_messages_published_total",
			Help: "Total number of messages published by topic",
		},
		[]string{"topic"},
	)

	PubSubMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pubsub_messages_dropped_total",
			Help: "Total number of messages dropped due to a full subscriber queue",
		},
		[]string{"topic"},
	)

	// Wire protocol metrics
	WireRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_wire_requests_total",
			Help: "Total number of dispatched wire requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	WireRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_wire_request_duration_seconds",
			Help:    "Wire request dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ClientReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_client_reconnects_total",
			Help: "Total number of client reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(DatabasesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SubscribersTotal)

	prometheus.MustRegister(KVOperationsTotal)
	prometheus.MustRegister(KVOperationDuration)
	prometheus.MustRegister(KVExpirationsTotal)
	prometheus.MustRegister(KVTrackedKeys)

	prometheus.MustRegister(ViewScanDuration)
	prometheus.MustRegister(ViewMapperDuration)
	prometheus.MustRegister(ViewDocumentsMapped)

	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobsDeduplicatedTotal)

	prometheus.MustRegister(PubSubMessagesPublished)
	prometheus.MustRegister(PubSubMessagesDropped)

	prometheus.MustRegister(WireRequestsTotal)
	prometheus.MustRegister(WireRequestDuration)
	prometheus.MustRegister(ClientReconnectsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
