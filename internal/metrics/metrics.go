// Package metrics provides Prometheus metrics for balise lifecycle operations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for bulk items
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailure = "failure"
)

// Archive phase labels
const (
	PhaseCopy    = "copy"
	PhaseCommit  = "commit"
	PhaseCleanup = "cleanup"
)

// Metrics contains all Prometheus metrics of the registry service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	BulkItemsTotal       *prometheus.CounterVec
	BulkDuration         *prometheus.HistogramVec
	ArchivePhaseFailures *prometheus.CounterVec
	OrphanedBlobsTotal   prometheus.Counter
	BlobOperationsTotal  *prometheus.CounterVec
	BlobRetriesTotal     *prometheus.CounterVec
	LockConflictsTotal   *prometheus.CounterVec
}

// New creates the metrics and registers them on registry
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register balise metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.BulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balise_bulk_items_total",
			Help: "Total number of bulk items processed, partitioned by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	m.BulkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balise_bulk_duration_seconds",
			Help:    "Time taken to process a whole bulk request",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)
	m.ArchivePhaseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balise_archive_phase_failures_total",
			Help: "Total number of archival failures, partitioned by protocol phase",
		},
		[]string{"phase"},
	)
	m.OrphanedBlobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "balise_orphaned_blobs_total",
			Help: "Live blobs left behind after a committed archival",
		},
	)
	m.BlobOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balise_blob_operations_total",
			Help: "Total number of blob store operations, partitioned by operation and status",
		},
		[]string{"op", "status"},
	)
	m.BlobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balise_blob_retries_total",
			Help: "Total number of retried blob store attempts",
		},
		[]string{"op"},
	)
	m.LockConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balise_lock_conflicts_total",
			Help: "Total number of rejected lock transitions, partitioned by conflict kind",
		},
		[]string{"kind"},
	)
}

// RecordBulkItem counts one processed bulk item
func (m *Metrics) RecordBulkItem(operation, outcome string) {
	if m == nil {
		return
	}
	m.BulkItemsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveBulk records how long a bulk request took
func (m *Metrics) ObserveBulk(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.BulkDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordArchiveFailure counts a failed archival phase
func (m *Metrics) RecordArchiveFailure(phase string) {
	if m == nil {
		return
	}
	m.ArchivePhaseFailures.WithLabelValues(phase).Inc()
}

// RecordOrphanedBlobs counts live blobs that could not be removed
func (m *Metrics) RecordOrphanedBlobs(n int) {
	if m == nil || n == 0 {
		return
	}
	m.OrphanedBlobsTotal.Add(float64(n))
}

// RecordBlobOperation counts a finished blob call
func (m *Metrics) RecordBlobOperation(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BlobOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordBlobRetry counts one retried blob attempt
func (m *Metrics) RecordBlobRetry(op string) {
	if m == nil {
		return
	}
	m.BlobRetriesTotal.WithLabelValues(op).Inc()
}

// RecordLockConflict counts a rejected lock transition
func (m *Metrics) RecordLockConflict(kind string) {
	if m == nil {
		return
	}
	m.LockConflictsTotal.WithLabelValues(kind).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.BulkItemsTotal.Describe(ch)
	m.BulkDuration.Describe(ch)
	m.ArchivePhaseFailures.Describe(ch)
	ch <- m.OrphanedBlobsTotal.Desc()
	m.BlobOperationsTotal.Describe(ch)
	m.BlobRetriesTotal.Describe(ch)
	m.LockConflictsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.BulkItemsTotal.Collect(ch)
	m.BulkDuration.Collect(ch)
	m.ArchivePhaseFailures.Collect(ch)
	ch <- m.OrphanedBlobsTotal
	m.BlobOperationsTotal.Collect(ch)
	m.BlobRetriesTotal.Collect(ch)
	m.LockConflictsTotal.Collect(ch)
}
