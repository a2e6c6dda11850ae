package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// RunsTotal tracks the total number of pipeline runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "environment", "status"}, // status: succeeded, failed
	)

	// RunDuration measures pipeline run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medallion_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"pipeline"},
	)

	// StagesTotal tracks stage outcomes
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_stages_total",
			Help: "Total number of stages processed",
		},
		[]string{"pipeline", "stage", "status"}, // status: succeeded, skipped, failed
	)

	// StageDuration measures stage execution duration in seconds
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medallion_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		},
		[]string{"pipeline", "stage"},
	)

	// StageRows counts rows written by stages
	StageRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_stage_rows_total",
			Help: "Total number of rows committed by stages",
		},
		[]string{"pipeline", "stage"},
	)

	// LedgerLookups counts idempotency ledger lookups
	LedgerLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_ledger_lookups_total",
			Help: "Total number of idempotency ledger lookups",
		},
		[]string{"stage", "result"}, // result: hit, miss
	)

	// CommitsTotal counts catalog commits
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_commits_total",
			Help: "Total number of dataset version commits",
		},
		[]string{"dataset", "status"}, // status: committed, conflict, error
	)

	// TasksTotal tracks the total number of queued runs processed
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_tasks_total",
			Help: "Total number of queued pipeline runs processed",
		},
		[]string{"pipeline", "status"}, // status: success, failed
	)

	// TasksRunning tracks the number of currently running tasks
	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medallion_tasks_running",
			Help: "Number of currently running tasks",
		},
		[]string{"pipeline"},
	)

	// TasksEnqueued counts total number of tasks enqueued
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"pipeline", "trigger"}, // trigger: schedule, manual
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordRun records a finished pipeline run
func RecordRun(pipeline, environment, status string, duration float64) {
	RunsTotal.WithLabelValues(pipeline, environment, status).Inc()
	RunDuration.WithLabelValues(pipeline).Observe(duration)
}

// RecordStage records a stage outcome
func RecordStage(pipeline, stage, status string, duration float64) {
	StagesTotal.WithLabelValues(pipeline, stage, status).Inc()
	StageDuration.WithLabelValues(pipeline, stage).Observe(duration)
}

// RecordStageRows records rows committed by a stage
func RecordStageRows(pipeline, stage string, count float64) {
	StageRows.WithLabelValues(pipeline, stage).Add(count)
}

// RecordLedgerLookup records an idempotency ledger lookup
func RecordLedgerLookup(stage string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	LedgerLookups.WithLabelValues(stage, result).Inc()
}

// RecordCommit records a catalog commit attempt
func RecordCommit(dataset, status string) {
	CommitsTotal.WithLabelValues(dataset, status).Inc()
}

// RecordTaskStart records the start of a task
func RecordTaskStart(pipeline string) {
	TasksRunning.WithLabelValues(pipeline).Inc()
}

// RecordTaskComplete records task completion
func RecordTaskComplete(pipeline, status string) {
	TasksRunning.WithLabelValues(pipeline).Dec()
	TasksTotal.WithLabelValues(pipeline, status).Inc()
}

// RecordTaskEnqueued records task enqueue
func RecordTaskEnqueued(pipeline, trigger string) {
	TasksEnqueued.WithLabelValues(pipeline, trigger).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RegisterCollector adds c to the default registry. A collector whose
// metrics are already registered is left in place.
func RegisterCollector(c prometheus.Collector) error {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}

		return err
	}

	return nil
}
