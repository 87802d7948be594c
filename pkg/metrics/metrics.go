// Package metrics exposes the manager's running state as Prometheus
// gauges/counters, served over the --http flag (§6).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal is the number of jobs currently in each classification
	// status (§4.7): waiting, runnable, queued, running, interrupted,
	// error, finished, queue_error, retry_error, unknown.
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sisyphus_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisyphus_tasks_submitted_total",
			Help: "Total number of task-instance submissions by engine",
		},
		[]string{"engine"},
	)

	TasksSubmitFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisyphus_tasks_submit_failed_total",
			Help: "Total number of failed task-instance submissions by engine",
		},
		[]string{"engine"},
	)

	SubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sisyphus_submit_duration_seconds",
			Help:    "Time taken to submit one rqmt-bucketed batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sisyphus_reconciliation_duration_seconds",
			Help:    "Time taken for one manager classify-and-submit cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sisyphus_reconciliation_cycles_total",
			Help: "Total number of manager iterate() cycles completed",
		},
	)

	WorkerOOMTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sisyphus_worker_oom_total",
			Help: "Total number of task instances that failed with an out-of-memory error",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksSubmitFailedTotal)
	prometheus.MustRegister(SubmitDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(WorkerOOMTotal)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and records it to a histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
