package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "valid", config: Config{Concurrency: 4, ShutdownTimeout: 30}},
		{name: "zero concurrency", config: Config{}, wantErr: ErrInvalidConcurrency},
		{name: "negative timeout", config: Config{Concurrency: 1, ShutdownTimeout: -1}, wantErr: ErrInvalidShutdownTimeout},
		{
			name:    "zero priority",
			config:  Config{Concurrency: 1, Priorities: map[string]int{"flights": 0}},
			wantErr: ErrInvalidPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, 30*time.Second, (&Config{ShutdownTimeout: 30}).ShutdownDuration())
}

func TestQueues(t *testing.T) {
	set := pipeline.NewSet()
	require.NoError(t, set.Add(&pipeline.Definition{Name: "flights"}, "a.yaml"))
	require.NoError(t, set.Add(&pipeline.Definition{Name: "weather"}, "b.yaml"))

	assert.Equal(t, map[string]int{"flights": DefaultPriority, "weather": DefaultPriority}, Queues(set, &Config{}))
	assert.Equal(t, map[string]int{"weather": DefaultPriority}, Queues(set, &Config{Pipelines: []string{"weather", "unknown"}}))
	assert.Equal(t, map[string]int{"flights": 3, "weather": DefaultPriority}, Queues(set, &Config{Priorities: map[string]int{"flights": 3}}))
}

func TestNewService_InvalidConfig(t *testing.T) {
	_, err := NewService(nil, &Config{}, nil, pipeline.NewSet(), nil)
	require.ErrorIs(t, err, ErrInvalidConcurrency)
}

func TestHandleError(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := &service{log: log}
	task := asynq.NewTask(tasks.TypePipelineRun, []byte(`{"pipeline":"flights","run_id":"r1"}`))

	assert.NotPanics(t, func() {
		s.handleError(context.Background(), task, errors.New("boom"))
		s.handleError(context.Background(), task, asynq.SkipRetry)
		s.handleError(context.Background(), asynq.NewTask(tasks.TypePipelineRun, []byte("{")), errors.New("boom"))
	})
}
