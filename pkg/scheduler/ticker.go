package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

// maxCatchUp bounds how many missed slots are walked to find the latest one
const maxCatchUp = 10000

//nolint:gochecknoglobals // shared cron parser
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Enqueuer queues pipeline runs
type Enqueuer interface {
	EnqueueRun(payload tasks.RunPayload, opts ...asynq.Option) (tasks.RunPayload, error)
}

// scheduledPipeline is a pipeline with a parsed cron schedule
type scheduledPipeline struct {
	name     string
	schedule cron.Schedule
	nextRun  *time.Time // Cached next slot to avoid Redis lookups
}

type ticker struct {
	log      logrus.FieldLogger
	tracker  scheduleTracker
	enqueuer Enqueuer

	mu        sync.Mutex
	pipelines []scheduledPipeline
}

// newTicker parses the schedule of every scheduled pipeline
func newTicker(log logrus.FieldLogger, tracker scheduleTracker, enqueuer Enqueuer, defs []*pipeline.Definition) (*ticker, error) {
	t := &ticker{
		log:       log.WithField("component", "ticker"),
		tracker:   tracker,
		enqueuer:  enqueuer,
		pipelines: make([]scheduledPipeline, 0, len(defs)),
	}

	for _, def := range defs {
		sched, err := cronParser.Parse(def.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: pipeline %s: %w", pipeline.ErrInvalidSchedule, def.Name, err)
		}

		t.pipelines = append(t.pipelines, scheduledPipeline{name: def.Name, schedule: sched})
	}

	return t, nil
}

// latestSlot returns the most recent slot after last that is due at now
func latestSlot(sched cron.Schedule, last, now time.Time) (time.Time, bool) {
	slot := sched.Next(last)
	if slot.IsZero() || slot.After(now) {
		return slot, false
	}

	for i := 0; i < maxCatchUp; i++ {
		next := sched.Next(slot)
		if next.IsZero() || next.After(now) {
			break
		}
		slot = next
	}

	return slot, true
}

// check enqueues every pipeline whose next slot is due. A pipeline seen for
// the first time starts from now, so past slots are never backfilled.
func (t *ticker) check(ctx context.Context, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.pipelines {
		p := &t.pipelines[i]

		if p.nextRun != nil && now.Before(*p.nextRun) {
			continue
		}

		lastRun, err := t.tracker.GetLastRun(ctx, p.name)
		if err != nil {
			t.log.WithError(err).WithField("pipeline", p.name).Warn("Failed to get last run, will retry next tick")

			continue
		}

		if lastRun.IsZero() {
			if err := t.tracker.SetLastRun(ctx, p.name, now); err != nil {
				t.log.WithError(err).WithField("pipeline", p.name).Warn("Failed to initialise last run")

				continue
			}

			lastRun = now
		}

		slot, due := latestSlot(p.schedule, lastRun, now)
		if !due {
			p.nextRun = &slot

			continue
		}

		if err := t.enqueue(p.name, slot, now); err != nil {
			t.log.WithError(err).WithField("pipeline", p.name).Error("Failed to enqueue scheduled run")

			continue
		}

		if err := t.tracker.SetLastRun(ctx, p.name, slot); err != nil {
			t.log.WithError(err).WithField("pipeline", p.name).Error("Failed to update last run")
		}

		next := p.schedule.Next(slot)
		p.nextRun = &next
	}
}

func (t *ticker) enqueue(name string, slot, now time.Time) error {
	queued, err := t.enqueuer.EnqueueRun(tasks.RunPayload{
		Pipeline:     name,
		Trigger:      tasks.TriggerSchedule,
		ScheduledFor: slot,
		EnqueuedAt:   now,
	})
	if err != nil {
		// Slot already queued by a previous leader
		if errors.Is(err, tasks.ErrAlreadyQueued) {
			t.log.WithField("pipeline", name).Debug("Scheduled run already queued, skipping")

			return nil
		}

		return err
	}

	t.log.WithFields(logrus.Fields{
		"pipeline": name,
		"run_id":   queued.RunID,
		"slot":     slot,
	}).Info("Enqueued scheduled run")

	return nil
}

// prune forgets tracked pipelines that no longer have a schedule
func (t *ticker) prune(ctx context.Context) error {
	tracked, err := t.tracker.GetAllPipelines(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]struct{}, len(t.pipelines))
	for _, p := range t.pipelines {
		active[p.name] = struct{}{}
	}

	for _, name := range tracked {
		if _, ok := active[name]; ok {
			continue
		}

		if err := t.tracker.DeleteLastRun(ctx, name); err != nil {
			return err
		}

		t.log.WithField("pipeline", name).Info("Removed schedule state for unscheduled pipeline")
	}

	return nil
}
