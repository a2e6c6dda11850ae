// Package worker consumes the per-pipeline run queues and executes each
// dequeued run with the stage driver.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/observability"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

// Service defines the public interface for the worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

type service struct {
	config *Config
	log    logrus.FieldLogger

	wg sync.WaitGroup

	runner    tasks.Runner
	pipelines *pipeline.Set
	redisOpt  asynq.RedisConnOpt

	server *asynq.Server
}

// NewService creates a worker consuming the queues of every pipeline in the
// set, or of the configured subset.
func NewService(log logrus.FieldLogger, cfg *Config, runner tasks.Runner, pipelines *pipeline.Set, redisOpt asynq.RedisConnOpt) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:       log.WithField("service", "worker"),
		config:    cfg,
		runner:    runner,
		pipelines: pipelines,
		redisOpt:  redisOpt,
	}, nil
}

// Start launches the asynq server in the background
func (s *service) Start(_ context.Context) error {
	queues := Queues(s.pipelines, s.config)
	if len(queues) == 0 {
		s.log.Warn("No pipeline queues to consume")
	}

	s.log.WithFields(logrus.Fields{
		"queues":          queues,
		"concurrency":     s.config.Concurrency,
		"strict_priority": s.config.StrictPriority,
	}).Info("Starting worker service")

	srv := asynq.NewServer(s.redisOpt, asynq.Config{
		Concurrency:     s.config.Concurrency,
		Queues:          queues,
		StrictPriority:  s.config.StrictPriority,
		ShutdownTimeout: s.config.ShutdownDuration(),
		ErrorHandler:    asynq.ErrorHandlerFunc(s.handleError),
		Logger:          s.log.WithField("component", "asynq"),
	})

	mux := asynq.NewServeMux()
	tasks.NewTaskHandler(s.log, s.runner, s.pipelines).Register(mux)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if runErr := srv.Run(mux); runErr != nil {
			s.log.WithError(runErr).Error("Worker server stopped with error")
		}
	}()

	s.server = srv

	return nil
}

// Stop waits for in-flight runs up to the shutdown timeout
func (s *service) Stop() error {
	if s.server != nil {
		s.server.Shutdown()
	}

	s.wg.Wait()

	s.log.Info("Worker service stopped")

	return nil
}

// handleError is called by asynq for every failed attempt of a run
func (s *service) handleError(_ context.Context, task *asynq.Task, err error) {
	var payload tasks.RunPayload
	_ = json.Unmarshal(task.Payload(), &payload)

	retryable := !errors.Is(err, asynq.SkipRetry)

	errType := "run_failed"
	if !retryable {
		errType = "run_failed_permanent"
	}

	observability.RecordError("worker", errType)

	s.log.WithError(err).WithFields(logrus.Fields{
		"pipeline":  payload.Pipeline,
		"run_id":    payload.RunID,
		"retryable": retryable,
	}).Warn("Pipeline run failed")
}

// Queues maps each consumed pipeline queue to its priority. An empty
// pipeline filter consumes every pipeline.
func Queues(pipelines *pipeline.Set, cfg *Config) map[string]int {
	queues := make(map[string]int, pipelines.Len())

	for _, name := range pipelines.Names() {
		if len(cfg.Pipelines) > 0 && !slices.Contains(cfg.Pipelines, name) {
			continue
		}

		queues[tasks.RunPayload{Pipeline: name}.QueueName()] = cfg.Priority(name)
	}

	return queues
}

// Ensure service implements the interface
var _ Service = (*service)(nil)
