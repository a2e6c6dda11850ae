package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// Service defines the public interface for the scheduler
type Service interface {
	// Start joins leader election and, while leading, enqueues due runs
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler service
	Stop() error
}

// service enqueues runs for pipelines that declare a cron schedule
type service struct {
	log logrus.FieldLogger
	cfg *Config

	// Synchronization - per ethPandaOps standards
	done chan struct{}  // Signal shutdown
	wg   sync.WaitGroup // Track goroutines

	elector LeaderElector
	ticker  *ticker
}

// NewService creates a new scheduler service
func NewService(log logrus.FieldLogger, cfg *Config, client *redis.Client, prefix string, pipelines *pipeline.Set, enqueuer Enqueuer) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log = log.WithField("service", "scheduler")

	t, err := newTicker(log, newScheduleTracker(log, client, prefix), enqueuer, pipelines.Scheduled())
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker: %w", err)
	}

	return &service{
		log:     log,
		cfg:     cfg,
		done:    make(chan struct{}),
		elector: NewLeaderElector(log, client, prefix+":scheduler:leader", cfg.LeaseTTL, cfg.RenewInterval),
		ticker:  t,
	}, nil
}

// Start initializes and starts the scheduler service
func (s *service) Start(ctx context.Context) error {
	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	s.wg.Add(1)
	go s.lead(ctx)

	s.log.WithField("pipelines", len(s.ticker.pipelines)).Info("Scheduler service started (participating in leader election)")

	return nil
}

// Stop gracefully shuts down the scheduler service
func (s *service) Stop() error {
	close(s.done)

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop leader elector")
	}

	s.wg.Wait()

	s.log.Info("Scheduler service stopped")

	return nil
}

// lead runs the ticker for as long as this instance holds leadership
func (s *service) lead(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.elector.WaitForLeadership(ctx); err != nil {
			return
		}

		if err := s.ticker.prune(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to prune schedule state")
		}

		if !s.tick(ctx) {
			return
		}
	}
}

// tick checks schedules until leadership is lost (true) or the service
// stops (false)
func (s *service) tick(ctx context.Context) bool {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		case <-s.elector.Demoted():
			s.log.Info("Lost leadership, pausing schedules")
			return true
		case now := <-t.C:
			if !s.elector.IsLeader() {
				return true
			}

			s.ticker.check(ctx, now.UTC())
		}
	}
}

// Ensure service implements the interface
var _ Service = (*service)(nil)
