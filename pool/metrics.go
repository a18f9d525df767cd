package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics instruments the pool. Attach with WithMetrics.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	m := pool.NewPrometheusMetrics(reg)
//	p := pool.New(q, emitter, pool.WithMetrics(m))
type PrometheusMetrics struct {
	jobsEnqueued   prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsCancelled  prometheus.Counter
	jobsRetried    prometheus.Counter
	blocksPlaced   *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	backendsReady  prometheus.Gauge
	jobDuration    prometheus.Histogram
	submitDuration prometheus.Histogram
}

// NewPrometheusMetrics registers the pool's metric set on reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		jobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by Enqueue.",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached the completed state.",
		}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached the failed state, by failure type.",
		}, []string{"type"}),
		jobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "jobs_cancelled_total",
			Help:      "Jobs cancelled by the caller.",
		}),
		jobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "job_retries_total",
			Help:      "Retry attempts scheduled after classified failures.",
		}),
		blocksPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchpool",
			Name:      "failover_blocks_total",
			Help:      "Failover blocks placed, by mode.",
		}, []string{"mode"}),
		jobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchpool",
			Name:      "jobs_running",
			Help:      "Jobs currently executing on a backend.",
		}),
		backendsReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchpool",
			Name:      "backends_ready",
			Help:      "Backends currently in the ready state.",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchpool",
			Name:      "job_duration_seconds",
			Help:      "Wall time from enqueue to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		submitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchpool",
			Name:      "submit_duration_seconds",
			Help:      "Latency of backend submit calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

func (m *PrometheusMetrics) observeEnqueued() {
	if m != nil {
		m.jobsEnqueued.Inc()
	}
}

func (m *PrometheusMetrics) observeStarted() {
	if m != nil {
		m.jobsRunning.Inc()
	}
}

// observeStopped balances observeStarted when a running job leaves the
// running state for any reason.
func (m *PrometheusMetrics) observeStopped() {
	if m != nil {
		m.jobsRunning.Dec()
	}
}

func (m *PrometheusMetrics) observeTerminal(job *Job) {
	if m == nil {
		return
	}
	if !job.EnqueuedAt.IsZero() && !job.CompletedAt.IsZero() {
		m.jobDuration.Observe(job.CompletedAt.Sub(job.EnqueuedAt).Seconds())
	}
	switch job.Status {
	case StatusCompleted:
		m.jobsCompleted.Inc()
	case StatusFailed:
		failureType := string(FailureUnknown)
		if job.LastError != nil {
			failureType = string(job.LastError.Type)
		}
		m.jobsFailed.WithLabelValues(failureType).Inc()
	case StatusCancelled:
		m.jobsCancelled.Inc()
	}
}

func (m *PrometheusMetrics) observeRetry() {
	if m != nil {
		m.jobsRetried.Inc()
	}
}

func (m *PrometheusMetrics) observeBlock(mode BlockMode) {
	if m != nil {
		m.blocksPlaced.WithLabelValues(string(mode)).Inc()
	}
}

func (m *PrometheusMetrics) observeBackendReady(delta float64) {
	if m != nil {
		m.backendsReady.Add(delta)
	}
}

func (m *PrometheusMetrics) observeSubmit(elapsed time.Duration) {
	if m != nil {
		m.submitDuration.Observe(elapsed.Seconds())
	}
}
