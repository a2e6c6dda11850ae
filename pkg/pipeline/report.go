package pipeline

import (
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// Status is the terminal status of a stage
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// StageResult is the outcome of one stage
type StageResult struct {
	Stage     string        `json:"stage" yaml:"stage"`
	Transform string        `json:"transform,omitempty" yaml:"transform,omitempty"`
	Status    Status        `json:"status" yaml:"status"`
	Inputs    []dataset.Ref `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Output    *dataset.Ref  `json:"output,omitempty" yaml:"output,omitempty"`
	// Reused is set when no new version was committed: the ledger held a
	// record for the inputs or the current version already had the output
	Reused   bool          `json:"reused,omitempty" yaml:"reused,omitempty"`
	Attempts int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Rows     int           `json:"rows,omitempty" yaml:"rows,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`

	Err error `json:"-" yaml:"-"`
}

// Report enumerates every stage of a run with its terminal status
type Report struct {
	RunID       string        `json:"run_id" yaml:"run_id"`
	Pipeline    string        `json:"pipeline" yaml:"pipeline"`
	Environment string        `json:"environment" yaml:"environment"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time     `json:"finished_at" yaml:"finished_at"`
	Stages      []StageResult `json:"stages" yaml:"stages"`
}

// Succeeded reports whether every stage succeeded
func (r *Report) Succeeded() bool {
	for i := range r.Stages {
		if r.Stages[i].Status != StatusSucceeded {
			return false
		}
	}

	return true
}

// Stage returns the result of the named stage
func (r *Report) Stage(name string) (*StageResult, bool) {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i], true
		}
	}

	return nil, false
}

// Count returns how many stages ended with status
func (r *Report) Count(status Status) int {
	n := 0

	for i := range r.Stages {
		if r.Stages[i].Status == status {
			n++
		}
	}

	return n
}

// Status summarises the run: failed when any stage failed or was skipped
func (r *Report) Status() Status {
	if r.Succeeded() {
		return StatusSucceeded
	}

	return StatusFailed
}
