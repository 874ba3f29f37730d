// Package metrics exposes satchel's Prometheus instrumentation: revision
// engine, blob store, query engine, and replicator counters/histograms,
// plus the /metrics, /health and /ready HTTP handlers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Revision engine metrics
	DocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "satchel_documents_total",
			Help: "Total number of documents known to the store",
		},
	)

	RevisionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satchel_revisions_created_total",
			Help: "Total number of revisions committed, by origin",
		},
		[]string{"origin"}, // "local" or "force_insert"
	)

	ConflictedDocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "satchel_conflicted_documents_total",
			Help: "Total number of documents with more than one live leaf",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "satchel_compaction_duration_seconds",
			Help:    "Time taken to run a compaction pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Blob store metrics
	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "satchel_blobs_total",
			Help: "Total number of distinct blobs on disk",
		},
	)

	BlobBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "satchel_blob_bytes_written_total",
			Help: "Total number of plaintext bytes written to the blob store",
		},
	)

	BlobGCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "satchel_blob_gc_duration_seconds",
			Help:    "Time taken to run a blob GC pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query engine metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "satchel_query_duration_seconds",
			Help:    "Query evaluation duration in seconds, by plan kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plan"}, // "index" or "full_scan"
	)

	IndexRowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "satchel_index_rows_total",
			Help: "Total number of rows in a secondary index",
		},
		[]string{"index"},
	)

	// Replication metrics
	ReplicationBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satchel_replication_batches_total",
			Help: "Total number of replication batches processed, by direction",
		},
		[]string{"direction"}, // "push" or "pull"
	)

	ReplicationRevsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satchel_replication_revs_total",
			Help: "Total number of revisions transferred, by direction",
		},
		[]string{"direction"},
	)

	ReplicationRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "satchel_replication_retry_total",
			Help: "Total number of transient replication request retries",
		},
		[]string{"direction"},
	)

	ReplicationBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "satchel_replication_batch_duration_seconds",
			Help:    "Replication batch duration in seconds, by direction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(RevisionsCreatedTotal)
	prometheus.MustRegister(ConflictedDocumentsTotal)
	prometheus.MustRegister(CompactionDuration)

	prometheus.MustRegister(BlobsTotal)
	prometheus.MustRegister(BlobBytesWrittenTotal)
	prometheus.MustRegister(BlobGCDuration)

	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(IndexRowsTotal)

	prometheus.MustRegister(ReplicationBatchesTotal)
	prometheus.MustRegister(ReplicationRevsTotal)
	prometheus.MustRegister(ReplicationRetryTotal)
	prometheus.MustRegister(ReplicationBatchDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
