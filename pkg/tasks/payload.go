// Package tasks provides task queue management using Asynq
package tasks

import (
	"fmt"
	"time"
)

const (
	// TypePipelineRun is the task type for pipeline runs
	TypePipelineRun = "pipeline:run"

	// TriggerManual marks runs requested by an operator
	TriggerManual = "manual"
	// TriggerSchedule marks runs enqueued by the scheduler
	TriggerSchedule = "schedule"
)

// RunPayload represents the payload for a pipeline run task
type RunPayload struct {
	Pipeline    string            `json:"pipeline"`
	RunID       string            `json:"run_id"`
	Environment string            `json:"environment,omitempty"`
	Pins        map[string]uint64 `json:"pins,omitempty"`
	Trigger     string            `json:"trigger"`
	// ScheduledFor is the cron slot a scheduled run covers
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// UniqueID returns a unique identifier for this task. Scheduled runs are
// keyed by their slot so a slot is enqueued at most once.
func (p RunPayload) UniqueID() string {
	if p.Trigger == TriggerSchedule && !p.ScheduledFor.IsZero() {
		return fmt.Sprintf("%s:%d", p.Pipeline, p.ScheduledFor.Unix())
	}

	return fmt.Sprintf("%s:%s", p.Pipeline, p.RunID)
}

// QueueName returns the queue name for this task payload
func (p RunPayload) QueueName() string {
	return p.Pipeline
}

// RunTime is the logical time handed to the run
func (p RunPayload) RunTime() time.Time {
	if !p.ScheduledFor.IsZero() {
		return p.ScheduledFor
	}

	return p.EnqueuedAt
}
