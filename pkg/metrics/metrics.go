// Package metrics exposes Prometheus collectors for the Coordinator
// Service (spec.md §6.3's metrics endpoint): queue depth, cache hit
// ratio, stage duration, task outcomes, and HTTP request counts. The
// metric set and the Timer helper below are adapted from the teacher's
// pkg/metrics/metrics.go, with the cluster/raft/deployment collectors
// replaced by this domain's own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the number of ready-or-in-flight items per
	// routing key (spec.md §4.5), sampled by the Periodic Sweeper.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bespoke_queue_depth",
			Help: "Number of queued or in-flight tasks by routing key",
		},
		[]string{"routing_key"},
	)

	// CacheHitsTotal and CacheMissesTotal together give the hit ratio
	// spec.md §4.3 calls out as a health signal.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bespoke_cache_hits_total",
			Help: "Total number of Cache Manager lookups that found a published entry",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bespoke_cache_misses_total",
			Help: "Total number of Cache Manager lookups that found nothing",
		},
	)

	// TasksTotal counts task attempts to completion, by routing key and
	// outcome (succeeded, executor-error, worker-crashed, cancelled).
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bespoke_tasks_total",
			Help: "Total number of task attempts by routing key and outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	// TaskDuration times one executor invocation, by routing key.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bespoke_task_duration_seconds",
			Help:    "Time taken by one executor invocation in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"routing_key"},
	)

	// StageDuration times a whole stage, from materialization to
	// success or errored; skipped stages are not observed.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bespoke_stage_duration_seconds",
			Help:    "Time taken by one stage from materialization to a terminal status, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// SubmissionsTotal counts submissions to a terminal status.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bespoke_submissions_total",
			Help: "Total number of submissions reaching a terminal status",
		},
		[]string{"status"},
	)

	// HTTPRequestsTotal and HTTPRequestDuration cover the Coordinator
	// Service's own HTTP API surface.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bespoke_http_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bespoke_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// LeasesExpiredTotal counts administrative lease releases performed
	// by the Periodic Sweeper (spec.md §4.3 "Lease expiry").
	LeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bespoke_leases_expired_total",
			Help: "Total number of cache leases administratively released after expiry",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		CacheHitsTotal,
		CacheMissesTotal,
		TasksTotal,
		TaskDuration,
		StageDuration,
		SubmissionsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LeasesExpiredTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
