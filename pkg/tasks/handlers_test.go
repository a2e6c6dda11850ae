package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/transform"
)

type fakeRunner struct {
	report *pipeline.Report
	err    error
	calls  []pipeline.RunContext
}

func (f *fakeRunner) Run(_ context.Context, def *pipeline.Definition, rc pipeline.RunContext) (*pipeline.Report, error) {
	f.calls = append(f.calls, rc)
	if f.err != nil {
		return nil, f.err
	}

	report := *f.report
	report.Pipeline = def.Name
	report.RunID = rc.RunID

	return &report, nil
}

func newTestSet(t *testing.T) *pipeline.Set {
	t.Helper()

	set := pipeline.NewSet()
	require.NoError(t, set.Add(&pipeline.Definition{Name: "flights"}, "test"))

	return set
}

func runTask(t *testing.T, payload RunPayload) *asynq.Task {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return asynq.NewTask(TypePipelineRun, data)
}

func failedReport(cause error) *pipeline.Report {
	return &pipeline.Report{Stages: []pipeline.StageResult{
		{Stage: "bronze_flights", Status: pipeline.StatusSucceeded},
		{Stage: "silver_flights", Status: pipeline.StatusFailed, Err: cause, Error: cause.Error()},
		{Stage: "gold_delays", Status: pipeline.StatusSkipped, Err: pipeline.ErrUpstreamFailed},
	}}
}

func TestTaskHandler_HandleRun(t *testing.T) {
	mismatch := &transform.SchemaMismatchError{Transform: "clean_flights@1", Input: "bronze", Problems: []string{"missing column delay"}}
	contract := &transform.ExecutionError{Transform: "clean_flights@1", Err: fmt.Errorf("%w: no data returned", transform.ErrOutputContract)}

	tests := []struct {
		name      string
		payload   RunPayload
		runner    *fakeRunner
		wantErr   error
		skipRetry bool
	}{
		{
			name:    "succeeded",
			payload: RunPayload{Pipeline: "flights", RunID: "r1"},
			runner: &fakeRunner{report: &pipeline.Report{Stages: []pipeline.StageResult{
				{Stage: "bronze_flights", Status: pipeline.StatusSucceeded},
			}}},
		},
		{
			name:      "unknown pipeline",
			payload:   RunPayload{Pipeline: "nope", RunID: "r1"},
			runner:    &fakeRunner{},
			wantErr:   pipeline.ErrPipelineNotFound,
			skipRetry: true,
		},
		{
			name:      "unsequenceable definition",
			payload:   RunPayload{Pipeline: "flights", RunID: "r1"},
			runner:    &fakeRunner{err: pipeline.ErrCycle},
			wantErr:   pipeline.ErrCycle,
			skipRetry: true,
		},
		{
			name:      "schema mismatch is permanent",
			payload:   RunPayload{Pipeline: "flights", RunID: "r1"},
			runner:    &fakeRunner{report: failedReport(mismatch)},
			wantErr:   ErrRunFailed,
			skipRetry: true,
		},
		{
			name:      "output contract is permanent",
			payload:   RunPayload{Pipeline: "flights", RunID: "r1"},
			runner:    &fakeRunner{report: failedReport(contract)},
			wantErr:   ErrRunFailed,
			skipRetry: true,
		},
		{
			name:    "transient failure is retried",
			payload: RunPayload{Pipeline: "flights", RunID: "r1"},
			runner:  &fakeRunner{report: failedReport(errors.New("connection reset"))},
			wantErr: ErrRunFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTaskHandler(logrus.New(), tt.runner, newTestSet(t))

			err := h.HandleRun(context.Background(), runTask(t, tt.payload))
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestTaskHandler_PassesRunContext(t *testing.T) {
	runner := &fakeRunner{report: &pipeline.Report{}}
	h := NewTaskHandler(logrus.New(), runner, newTestSet(t))

	slot := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	payload := RunPayload{
		Pipeline:     "flights",
		RunID:        "r7",
		Environment:  "prod",
		Pins:         map[string]uint64{"bronze.flights": 2},
		Trigger:      TriggerSchedule,
		ScheduledFor: slot,
	}

	require.NoError(t, h.HandleRun(context.Background(), runTask(t, payload)))
	require.Len(t, runner.calls, 1)

	rc := runner.calls[0]
	assert.Equal(t, "r7", rc.RunID)
	assert.Equal(t, "prod", rc.Environment)
	assert.Equal(t, uint64(2), rc.Pins["bronze.flights"])
	assert.Equal(t, slot, rc.Now)
}

func TestTaskHandler_MalformedPayload(t *testing.T) {
	h := NewTaskHandler(logrus.New(), &fakeRunner{}, newTestSet(t))

	err := h.HandleRun(context.Background(), asynq.NewTask(TypePipelineRun, []byte("{")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
