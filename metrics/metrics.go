// Package metrics exposes Prometheus instrumentation for the pipeline's
// runtime surfaces: pool admission control, external-call latency, retry
// attempts, and aggregation flushes. Grounded on graph/metrics.go's
// PrometheusMetrics — same promauto.With(registry) construction, gauge/
// histogram-vec/counter-vec split, and enabled-flag no-op guard — with
// the metric set replaced to match this pipeline's concerns instead of
// the teacher's node-scheduling concerns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every gauge/histogram/counter the pipeline records
// during a run. A nil *Metrics is valid and every method on it is a
// no-op, so callers can leave instrumentation unconfigured without
// guarding each call site.
type Metrics struct {
	poolCapacity *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	callLatency  *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	batchFlushes *prometheus.CounterVec
}

// New creates and registers every elspeth_* metric with registry. A nil
// registry falls back to prometheus.DefaultRegisterer, matching the
// teacher's NewPrometheusMetrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		poolCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elspeth",
			Name:      "pool_capacity",
			Help:      "Current AIMD in-flight ceiling of a call pool",
		}, []string{"run_id", "pool"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elspeth",
			Name:      "work_queue_depth",
			Help:      "Pending work items in a row processor's queue",
		}, []string{"run_id"}),

		callLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elspeth",
			Name:      "call_latency_ms",
			Help:      "External call duration in milliseconds, from pool admission to response",
			Buckets:   []float64{5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"run_id", "call_type", "status"}), // status: success, error, capacity

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "transform_retries_total",
			Help:      "Cumulative retry attempts across all transform nodes",
		}, []string{"run_id", "node_id"}),

		batchFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elspeth",
			Name:      "aggregation_flushes_total",
			Help:      "Aggregation node buffer flushes, by trigger",
		}, []string{"run_id", "node_id", "trigger"}),
	}
}

// UpdatePoolCapacity records pool's current AIMD ceiling.
func (m *Metrics) UpdatePoolCapacity(runID, pool string, capacity int) {
	if m == nil {
		return
	}
	m.poolCapacity.WithLabelValues(runID, pool).Set(float64(capacity))
}

// UpdateQueueDepth records the row processor's pending work-item count.
func (m *Metrics) UpdateQueueDepth(runID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(runID).Set(float64(depth))
}

// RecordCallLatency records one external call's duration. status is
// "success", "error", or "capacity" (the call was rejected/retried for
// AIMD backpressure rather than failing outright).
func (m *Metrics) RecordCallLatency(runID string, callType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.callLatency.WithLabelValues(runID, callType, status).Observe(float64(d.Milliseconds()))
}

// IncrementRetries counts one retried transform attempt (attempt > 0).
func (m *Metrics) IncrementRetries(runID, nodeID string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(runID, nodeID).Inc()
}

// IncrementBatchFlush counts one aggregation node flush, labeled by what
// triggered it ("count", "timeout", "end_of_source", "custom").
func (m *Metrics) IncrementBatchFlush(runID, nodeID, trigger string) {
	if m == nil {
		return
	}
	m.batchFlushes.WithLabelValues(runID, nodeID, trigger).Inc()
}
