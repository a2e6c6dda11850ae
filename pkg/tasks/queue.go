package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/ethpandaops/medallion/pkg/observability"
	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// ResultRetention is how long a finished run task and its report are kept
const ResultRetention = 24 * time.Hour

var (
	// ErrAlreadyQueued is returned when a run with the same task ID is queued
	ErrAlreadyQueued = errors.New("run already queued")
	// ErrNoRunResult is returned when a run task finished without a report
	ErrNoRunResult = errors.New("run task has no report")
)

// QueueManager manages task queuing
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewQueueManager creates a new queue manager
func NewQueueManager(redisOpt *asynq.RedisClientOpt) *QueueManager {
	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
	}
}

// EnqueueRun enqueues a pipeline run and returns the payload as queued
func (q *QueueManager) EnqueueRun(payload RunPayload, opts ...asynq.Option) (RunPayload, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.New().String()
	}

	if payload.Trigger == "" {
		payload.Trigger = TriggerManual
	}

	if payload.EnqueuedAt.IsZero() {
		payload.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return payload, err
	}

	task := asynq.NewTask(TypePipelineRun, data)

	// Default options
	defaultOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(payload.QueueName()), // Pipeline-specific queue
		asynq.MaxRetry(3),
		asynq.Timeout(30 * time.Minute),
		asynq.Retention(ResultRetention),
	}

	allOpts := defaultOpts
	allOpts = append(allOpts, opts...)

	if _, err := q.client.Enqueue(task, allOpts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return payload, fmt.Errorf("%w: %s", ErrAlreadyQueued, payload.UniqueID())
		}

		return payload, err
	}

	observability.RecordTaskEnqueued(payload.Pipeline, payload.Trigger)

	return payload, nil
}

// IsRunPendingOrRunning checks if a run task is pending or running
func (q *QueueManager) IsRunPendingOrRunning(payload RunPayload) (bool, error) {
	info, err := q.inspector.GetTaskInfo(payload.QueueName(), payload.UniqueID())
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

// RunResult returns the report a finished run task wrote
func (q *QueueManager) RunResult(payload RunPayload) (*pipeline.Report, error) {
	info, err := q.inspector.GetTaskInfo(payload.QueueName(), payload.UniqueID())
	if err != nil {
		return nil, err
	}

	if len(info.Result) == 0 {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoRunResult, payload.UniqueID(), info.State)
	}

	var report pipeline.Report
	if err := json.Unmarshal(info.Result, &report); err != nil {
		return nil, fmt.Errorf("failed to decode run report: %w", err)
	}

	return &report, nil
}

// WaitForRun polls until the run task leaves the pending, active and retry
// states and returns its report
func (q *QueueManager) WaitForRun(ctx context.Context, payload RunPayload, interval time.Duration) (*pipeline.Report, error) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		busy, err := q.IsRunPendingOrRunning(payload)
		if err != nil {
			return nil, err
		}

		if !busy {
			return q.RunResult(payload)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// GetQueueStats returns queue statistics
func (q *QueueManager) GetQueueStats(queueName string) (*asynq.QueueInfo, error) {
	return q.inspector.GetQueueInfo(queueName)
}

// Close closes the queue manager
func (q *QueueManager) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}

	return q.client.Close()
}

func isNotFound(err error) bool {
	if errors.Is(err, asynq.ErrQueueNotFound) || errors.Is(err, asynq.ErrTaskNotFound) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "NOT FOUND") || strings.Contains(msg, "queue not found") || strings.Contains(msg, "task not found")
}
