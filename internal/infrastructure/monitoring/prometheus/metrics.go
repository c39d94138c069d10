package prometheus

import (
	"fmt"
	"time"

	"github.com/transientlab/skymatch/internal/application/association"
)

// AppMetrics holds all application metrics.  The association block is fed by
// ObserveBatch, which makes *AppMetrics the collector the batch service
// accepts as its observer.
type AppMetrics struct {
	// Association batches
	BatchesTotal             CounterVec
	BatchDuration            HistogramVec
	DecisionsTotal           CounterVec
	SkippedTotal             CounterVec
	DeactivatedTotal         CounterVec
	IndexRebuildsTotal       CounterVec
	CandidatesPerBatch       HistogramVec
	EllipseTestsTotal        CounterVec
	DegenerateFallbacksTotal CounterVec
	AlreadyMembersTotal      CounterVec

	// Ingestion (message consumer)
	MessagesTotal          CounterVec
	MessageProcessDuration HistogramVec
	DLQTotal               CounterVec

	// HTTP catalog API
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec

	// Infrastructure
	DBConnectionPoolSize   GaugeVec
	DBConnectionPoolActive GaugeVec
	DBQueryDuration        HistogramVec
	LockAcquisitionsTotal  CounterVec
	LockExtensionsTotal    CounterVec

	// System health
	ServiceUptime     GaugeVec
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

// Default Buckets
var (
	DefaultHTTPDurationBuckets  = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultBatchDurationBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultDBDurationBuckets    = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5}
	DefaultCandidateBuckets     = []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000}
)

// NewAppMetrics registers all metrics and returns AppMetrics struct.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	// Association
	m.BatchesTotal = collector.RegisterCounter("association_batches_total", "Association batches processed", "outcome")
	m.BatchDuration = collector.RegisterHistogram("association_batch_duration_seconds", "End-to-end batch duration", DefaultBatchDurationBuckets)
	m.DecisionsTotal = collector.RegisterCounter("association_decisions_total", "Association decisions", "kind")
	m.SkippedTotal = collector.RegisterCounter("association_skipped_total", "Detections skipped by validation")
	m.DeactivatedTotal = collector.RegisterCounter("association_deactivated_total", "Running sources retired by merges")
	m.IndexRebuildsTotal = collector.RegisterCounter("association_index_rebuilds_total", "Zone index rebuilds after inconsistency")
	m.CandidatesPerBatch = collector.RegisterHistogram("association_candidates_per_batch", "Candidate sources inspected per batch", DefaultCandidateBuckets)
	m.EllipseTestsTotal = collector.RegisterCounter("association_ellipse_tests_total", "Full ellipse intersection tests run")
	m.DegenerateFallbacksTotal = collector.RegisterCounter("association_degenerate_fallbacks_total", "Ellipse tests resolved by the point-distance fallback")
	m.AlreadyMembersTotal = collector.RegisterCounter("association_already_members_total", "Detections skipped as existing members (idempotent re-runs)")

	// Ingestion
	m.MessagesTotal = collector.RegisterCounter("ingest_messages_total", "Consumed detection-batch messages", "topic", "status")
	m.MessageProcessDuration = collector.RegisterHistogram("ingest_process_duration_seconds", "Message handling duration", DefaultBatchDurationBuckets, "topic")
	m.DLQTotal = collector.RegisterCounter("ingest_dlq_total", "Messages routed to the dead-letter topic", "topic")

	// HTTP
	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method", "path")

	// Infrastructure
	m.DBConnectionPoolSize = collector.RegisterGauge("db_pool_size", "Database connection pool size", "db")
	m.DBConnectionPoolActive = collector.RegisterGauge("db_pool_active", "Database active connections", "db")
	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "operation")
	m.LockAcquisitionsTotal = collector.RegisterCounter("lock_acquisitions_total", "Dataset lock acquisition attempts", "result")
	m.LockExtensionsTotal = collector.RegisterCounter("lock_extensions_total", "Dataset lock lease extensions", "result")

	// System health
	m.ServiceUptime = collector.RegisterGauge("service_uptime_seconds", "Service uptime", "service")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "code")

	return m
}

// RegisterAppMetrics is an alias for NewAppMetrics.
func RegisterAppMetrics(collector MetricsCollector) *AppMetrics {
	return NewAppMetrics(collector)
}

// ObserveBatch records the telemetry of one committed association batch.
func (m *AppMetrics) ObserveBatch(obs association.BatchObservation) {
	m.BatchesTotal.WithLabelValues("ok").Inc()
	m.BatchDuration.WithLabelValues().Observe(obs.Duration.Seconds())
	m.DecisionsTotal.WithLabelValues("new").Add(float64(obs.New))
	m.DecisionsTotal.WithLabelValues("match").Add(float64(obs.Matched))
	m.DecisionsTotal.WithLabelValues("merge").Add(float64(obs.Merged))
	m.SkippedTotal.WithLabelValues().Add(float64(obs.Skipped))
	m.DeactivatedTotal.WithLabelValues().Add(float64(obs.Deactivated))
	m.IndexRebuildsTotal.WithLabelValues().Add(float64(obs.IndexRebuilds))
	m.CandidatesPerBatch.WithLabelValues().Observe(float64(obs.Stats.Candidates))
	m.EllipseTestsTotal.WithLabelValues().Add(float64(obs.Stats.EllipseTests))
	m.DegenerateFallbacksTotal.WithLabelValues().Add(float64(obs.Stats.DegenerateFallbacks))
	m.AlreadyMembersTotal.WithLabelValues().Add(float64(obs.Stats.AlreadyMembers))
}

// ObserveBatchFailure counts a batch that ended in an error before commit.
func (m *AppMetrics) ObserveBatchFailure() {
	m.BatchesTotal.WithLabelValues("error").Inc()
}

var _ association.BatchObserver = (*AppMetrics)(nil)

// Helpers

func RecordHTTPRequest(metrics *AppMetrics, method, path string, statusCode int, duration time.Duration) {
	status := fmt.Sprintf("%d", statusCode)
	metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordMessage(metrics *AppMetrics, topic, status string, duration time.Duration) {
	metrics.MessagesTotal.WithLabelValues(topic, status).Inc()
	metrics.MessageProcessDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

func RecordDLQ(metrics *AppMetrics, topic string) {
	metrics.DLQTotal.WithLabelValues(topic).Inc()
}

func RecordLockAcquisition(metrics *AppMetrics, result string) {
	metrics.LockAcquisitionsTotal.WithLabelValues(result).Inc()
}

func RecordDBQuery(metrics *AppMetrics, operation string, duration time.Duration, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("postgres", "query_error").Inc()
	}
}

func RecordError(metrics *AppMetrics, component, code string) {
	metrics.ErrorsTotal.WithLabelValues(component, code).Inc()
}
