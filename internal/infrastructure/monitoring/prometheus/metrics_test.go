package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transientlab/skymatch/internal/application/association"
)

func newTestAppMetrics(t *testing.T) (*AppMetrics, MetricsCollector) {
	t.Helper()
	c := newTestCollector(t)
	m := NewAppMetrics(c)
	return m, c
}

func TestNewAppMetrics_AllMetricsRegistered(t *testing.T) {
	m, _ := newTestAppMetrics(t)
	require.NotNil(t, m)

	assert.NotNil(t, m.BatchesTotal)
	assert.NotNil(t, m.BatchDuration)
	assert.NotNil(t, m.DecisionsTotal)
	assert.NotNil(t, m.SkippedTotal)
	assert.NotNil(t, m.IndexRebuildsTotal)
	assert.NotNil(t, m.MessagesTotal)
	assert.NotNil(t, m.DLQTotal)
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.DBQueryDuration)
	assert.NotNil(t, m.LockAcquisitionsTotal)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestObserveBatch_CountsDecisions(t *testing.T) {
	m, c := newTestAppMetrics(t)

	m.ObserveBatch(association.BatchObservation{
		DatasetID:     1,
		Duration:      120 * time.Millisecond,
		New:           3,
		Matched:       5,
		Merged:        1,
		Skipped:       2,
		Deactivated:   1,
		IndexRebuilds: 1,
		Stats: association.Stats{
			Candidates:          17,
			EllipseTests:        9,
			DegenerateFallbacks: 1,
			AlreadyMembers:      4,
		},
	})

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_association_decisions_total{kind="new"} 3`)
	assert.Contains(t, output, `test_unit_association_decisions_total{kind="match"} 5`)
	assert.Contains(t, output, `test_unit_association_decisions_total{kind="merge"} 1`)
	assert.Contains(t, output, `test_unit_association_skipped_total 2`)
	assert.Contains(t, output, `test_unit_association_deactivated_total 1`)
	assert.Contains(t, output, `test_unit_association_index_rebuilds_total 1`)
	assert.Contains(t, output, `test_unit_association_ellipse_tests_total 9`)
	assert.Contains(t, output, `test_unit_association_degenerate_fallbacks_total 1`)
	assert.Contains(t, output, `test_unit_association_already_members_total 4`)
	assert.Contains(t, output, `test_unit_association_batches_total{outcome="ok"} 1`)
	assert.Contains(t, output, "test_unit_association_batch_duration_seconds_count 1")
}

func TestObserveBatchFailure(t *testing.T) {
	m, c := newTestAppMetrics(t)
	m.ObserveBatchFailure()
	m.ObserveBatchFailure()

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_association_batches_total{outcome="error"} 2`)
}

func TestAppMetrics_SatisfiesBatchObserver(t *testing.T) {
	m, _ := newTestAppMetrics(t)
	var obs association.BatchObserver = m
	assert.NotNil(t, obs)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, c := newTestAppMetrics(t)
	RecordHTTPRequest(m, "GET", "/api/v1/datasets/:id/sources", 200, 15*time.Millisecond)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `method="GET"`)
	assert.Contains(t, output, `status_code="200"`)
}

func TestRecordMessage_AndDLQ(t *testing.T) {
	m, c := newTestAppMetrics(t)
	RecordMessage(m, "skymatch.detections.raw", "ok", 50*time.Millisecond)
	RecordDLQ(m, "skymatch.detections.raw")

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_ingest_messages_total{status="ok",topic="skymatch.detections.raw"} 1`)
	assert.Contains(t, output, `test_unit_ingest_dlq_total{topic="skymatch.detections.raw"} 1`)
}

func TestRecordLockAcquisition(t *testing.T) {
	m, c := newTestAppMetrics(t)
	RecordLockAcquisition(m, "acquired")
	RecordLockAcquisition(m, "busy")

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_lock_acquisitions_total{result="acquired"} 1`)
	assert.Contains(t, output, `test_unit_lock_acquisitions_total{result="busy"} 1`)
}

func TestRecordDBQuery_ErrorIncrementsErrors(t *testing.T) {
	m, c := newTestAppMetrics(t)
	RecordDBQuery(m, "snapshot", 5*time.Millisecond, nil)
	RecordDBQuery(m, "snapshot", 5*time.Millisecond, errors.New("boom"))

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, "test_unit_db_query_duration_seconds_count")
	assert.Contains(t, output, `test_unit_errors_total{code="query_error",component="postgres"} 1`)
}
