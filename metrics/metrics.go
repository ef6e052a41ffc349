// Package metrics exposes replication health: write queue depth, index
// round-trip latency, and per-partition committed/observed seqnos,
// registered against a Prometheus registry the way graph.PrometheusMetrics
// does (graph/metrics.go), plus a legacy dropwizard-style JSON endpoint
// read off the same registry for operators migrating off the older
// metrics stack.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps every gauge and counter the replicator reports.
type Metrics struct {
	registry *prometheus.Registry

	writeQueue  prometheus.Gauge
	esWaitMs    prometheus.Histogram
	committed   *prometheus.GaugeVec
	observed    *prometheus.GaugeVec
	bulkAttempt prometheus.Counter
	bulkSuccess prometheus.Counter
	bulkRetry   prometheus.Counter
	bulkReject  prometheus.Counter
	bulkVersion prometheus.Counter
}

// New creates and registers every metric against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		writeQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vbreplicator",
			Name:      "write_queue_depth",
			Help:      "Number of IndexRequests buffered in worker queues awaiting dispatch",
		}),
		esWaitMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vbreplicator",
			Name:      "es_wait_ms",
			Help:      "Round-trip latency of bulk requests to the index cluster, in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		}),
		committed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbreplicator",
			Name:      "committed_seqno",
			Help:      "Highest seqno applied to the index and recorded by the checkpoint service, per partition",
		}, []string{"partition"}),
		observed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbreplicator",
			Name:      "observed_seqno",
			Help:      "Highest seqno seen on the change stream, per partition",
		}, []string{"partition"}),
		bulkAttempt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vbreplicator",
			Name:      "bulk_attempts_total",
			Help:      "Total bulk dispatches attempted",
		}),
		bulkSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vbreplicator",
			Name:      "bulk_items_success_total",
			Help:      "Total items successfully written",
		}),
		bulkRetry: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vbreplicator",
			Name:      "bulk_items_retry_total",
			Help:      "Total items that failed with a retryable outcome",
		}),
		bulkReject: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vbreplicator",
			Name:      "bulk_items_rejected_total",
			Help:      "Total items permanently rejected by the index cluster",
		}),
		bulkVersion: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vbreplicator",
			Name:      "bulk_items_version_conflict_total",
			Help:      "Total items that lost an optimistic concurrency check",
		}),
	}
}

// Registry exposes the underlying Prometheus registry, e.g. for wiring
// promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetWriteQueueDepth reports the current number of buffered IndexRequests.
func (m *Metrics) SetWriteQueueDepth(depth int) { m.writeQueue.Set(float64(depth)) }

// ObserveBulkLatencyMs records one bulk round trip's duration.
func (m *Metrics) ObserveBulkLatencyMs(ms float64) { m.esWaitMs.Observe(ms) }

// SetPartitionSeqnos reports committed and observed seqnos for one partition.
func (m *Metrics) SetPartitionSeqnos(partition int, committed, observed uint64) {
	label := partitionLabel(partition)
	m.committed.WithLabelValues(label).Set(float64(committed))
	m.observed.WithLabelValues(label).Set(float64(observed))
}

// RecordBulkOutcomes tallies one dispatch's per-item outcomes.
func (m *Metrics) RecordBulkOutcomes(success, retry, reject, versionConflict int) {
	m.bulkAttempt.Inc()
	m.bulkSuccess.Add(float64(success))
	m.bulkRetry.Add(float64(retry))
	m.bulkReject.Add(float64(reject))
	m.bulkVersion.Add(float64(versionConflict))
}

func partitionLabel(partition int) string {
	return strconv.Itoa(partition)
}
