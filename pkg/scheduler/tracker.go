package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// scheduleTracker remembers the last slot enqueued per pipeline
type scheduleTracker interface {
	// GetLastRun returns zero time if the pipeline has never been enqueued
	GetLastRun(ctx context.Context, pipeline string) (time.Time, error)

	// SetLastRun persists the slot with no TTL
	SetLastRun(ctx context.Context, pipeline string, slot time.Time) error

	// DeleteLastRun forgets a pipeline removed from config
	DeleteLastRun(ctx context.Context, pipeline string) error

	// GetAllPipelines returns every pipeline currently tracked
	GetAllPipelines(ctx context.Context) ([]string, error)
}

type redisScheduleTracker struct {
	log    logrus.FieldLogger
	redis  *redis.Client
	prefix string
}

// newScheduleTracker creates a Redis-backed schedule tracker. Keys look like
// {prefix}:scheduler:slot:{pipeline}.
func newScheduleTracker(log logrus.FieldLogger, redisClient *redis.Client, prefix string) scheduleTracker {
	return &redisScheduleTracker{
		log:    log.WithField("component", "schedule_tracker"),
		redis:  redisClient,
		prefix: prefix + ":scheduler:slot:",
	}
}

func (r *redisScheduleTracker) GetLastRun(ctx context.Context, pipeline string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.prefix+pipeline).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last run for pipeline %s: %w", pipeline, err)
	}

	timestamp, err := time.Parse(time.RFC3339, val)
	if err != nil {
		r.log.WithError(err).
			WithFields(logrus.Fields{
				"pipeline":  pipeline,
				"raw_value": val,
			}).
			Error("Failed to parse timestamp")
		return time.Time{}, fmt.Errorf("failed to parse timestamp for pipeline %s: %w", pipeline, err)
	}

	return timestamp, nil
}

func (r *redisScheduleTracker) SetLastRun(ctx context.Context, pipeline string, slot time.Time) error {
	if err := r.redis.Set(ctx, r.prefix+pipeline, slot.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set last run for pipeline %s: %w", pipeline, err)
	}

	r.log.WithFields(logrus.Fields{
		"pipeline": pipeline,
		"slot":     slot,
	}).Debug("Updated last run for pipeline")

	return nil
}

func (r *redisScheduleTracker) DeleteLastRun(ctx context.Context, pipeline string) error {
	if err := r.redis.Del(ctx, r.prefix+pipeline).Err(); err != nil {
		return fmt.Errorf("failed to delete last run for pipeline %s: %w", pipeline, err)
	}

	return nil
}

func (r *redisScheduleTracker) GetAllPipelines(ctx context.Context) ([]string, error) {
	// The count hint is keys per SCAN iteration, not a total limit
	const scanBatchSize = 100

	var pipelines []string

	iter := r.redis.Scan(ctx, 0, r.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		pipelines = append(pipelines, iter.Val()[len(r.prefix):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tracked pipelines: %w", err)
	}

	return pipelines, nil
}

// Verify interface compliance at compile time
var _ scheduleTracker = (*redisScheduleTracker)(nil)
