package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/observability"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/transform"
)

// ErrRunFailed is returned when a run finished with failed or skipped stages
var ErrRunFailed = errors.New("pipeline run did not succeed")

// Runner executes a pipeline definition
type Runner interface {
	Run(ctx context.Context, def *pipeline.Definition, rc pipeline.RunContext) (*pipeline.Report, error)
}

// Pipelines looks up definitions by name
type Pipelines interface {
	Get(name string) (*pipeline.Definition, error)
}

// TaskHandler handles task execution
type TaskHandler struct {
	runner    Runner
	pipelines Pipelines
	log       logrus.FieldLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(log logrus.FieldLogger, runner Runner, pipelines Pipelines) *TaskHandler {
	return &TaskHandler{
		runner:    runner,
		pipelines: pipelines,
		log:       log.WithField("component", "task-handler"),
	}
}

// Register adds the handler's task types to mux
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePipelineRun, h.HandleRun)
}

// HandleRun handles pipeline run tasks. Failures that a retry cannot fix
// are marked with asynq.SkipRetry; anything else is retried and the ledger
// turns the already finished stages into reuses.
func (h *TaskHandler) HandleRun(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("task-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %w: %w", err, asynq.SkipRetry)
	}

	log := h.log.WithFields(logrus.Fields{
		"pipeline": payload.Pipeline,
		"run_id":   payload.RunID,
		"trigger":  payload.Trigger,
	})

	def, err := h.pipelines.Get(payload.Pipeline)
	if err != nil {
		observability.RecordError("task-handler", "pipeline_not_found")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log.Info("Starting pipeline run")

	observability.RecordTaskStart(payload.Pipeline)

	report, err := h.runner.Run(ctx, def, pipeline.RunContext{
		RunID:       payload.RunID,
		Environment: payload.Environment,
		Pins:        payload.Pins,
		Now:         payload.RunTime(),
	})
	if err != nil {
		observability.RecordTaskComplete(payload.Pipeline, string(pipeline.StatusFailed))
		log.WithError(err).Error("Pipeline could not be sequenced")

		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if writer := t.ResultWriter(); writer != nil {
		if result, err := json.Marshal(report); err == nil {
			if _, err := writer.Write(result); err != nil {
				log.WithError(err).Warn("Failed to write run report")
			}
		}
	}

	observability.RecordTaskComplete(payload.Pipeline, string(report.Status()))

	if report.Succeeded() {
		log.WithField("stages", len(report.Stages)).Info("Pipeline run succeeded")

		return nil
	}

	log.WithFields(logrus.Fields{
		"failed":  report.Count(pipeline.StatusFailed),
		"skipped": report.Count(pipeline.StatusSkipped),
	}).Warn("Pipeline run did not succeed")

	err = fmt.Errorf("%w: %s", ErrRunFailed, failureSummary(report))
	if !Retryable(report) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	return err
}

// Retryable reports whether any failed stage might succeed on another attempt.
// Schema mismatches and output contract violations are deterministic.
func Retryable(report *pipeline.Report) bool {
	for i := range report.Stages {
		st := &report.Stages[i]
		if st.Status != pipeline.StatusFailed {
			continue
		}

		if errors.Is(st.Err, transform.ErrSchemaMismatch) || errors.Is(st.Err, transform.ErrOutputContract) {
			continue
		}

		return true
	}

	return false
}

func failureSummary(report *pipeline.Report) string {
	for i := range report.Stages {
		if st := &report.Stages[i]; st.Status == pipeline.StatusFailed {
			return fmt.Sprintf("stage %s: %s", st.Stage, st.Error)
		}
	}

	return "stages skipped"
}
