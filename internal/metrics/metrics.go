// Package metrics exposes Prometheus instrumentation for crmsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncOutcomesTotal counts per-record sync outcomes.
	SyncOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_sync_outcomes_total",
		Help: "Per-record sync outcomes by entity type, direction and status.",
	}, []string{"entity_type", "direction", "status"})

	// ConflictsTotal counts detected conflicts.
	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_conflicts_total",
		Help: "Conflicts detected during sync, by entity type and resolution strategy.",
	}, []string{"entity_type", "strategy"})

	// JobRunsTotal counts scheduler job executions.
	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_job_runs_total",
		Help: "Scheduler job executions by job name and status.",
	}, []string{"job", "status"})

	// JobRunDuration observes job execution time.
	JobRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_job_run_duration_seconds",
		Help:    "Duration of scheduler job executions.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job"})

	// RemoteRequestsTotal counts requests issued to the remote store.
	RemoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_remote_requests_total",
		Help: "HTTP requests issued to the remote store, by method.",
	}, []string{"method"})

	// EventsProcessedTotal counts events consumed by the bridge worker.
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_events_processed_total",
		Help: "Events processed by the event bridge, by event type.",
	}, []string{"event_type"})

	// DebounceCollapsesTotal counts record-change events absorbed by the
	// debounce window instead of triggering their own sync.
	DebounceCollapsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crmsync_debounce_collapses_total",
		Help: "Record-change events collapsed into an already pending sync.",
	})
)

// RecordSyncOutcome increments the outcome counter for one record.
func RecordSyncOutcome(entityType, direction, status string) {
	SyncOutcomesTotal.WithLabelValues(entityType, direction, status).Inc()
}

// RecordConflict increments the conflict counter.
func RecordConflict(entityType, strategy string) {
	ConflictsTotal.WithLabelValues(entityType, strategy).Inc()
}

// RecordJobRun records one scheduler execution.
func RecordJobRun(job, status string, seconds float64) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	JobRunDuration.WithLabelValues(job).Observe(seconds)
}
