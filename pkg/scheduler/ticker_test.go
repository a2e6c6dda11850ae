package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/internal/testutil"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

// mockScheduleTracker implements scheduleTracker for testing
type mockScheduleTracker struct {
	lastRuns map[string]time.Time
}

func newMockScheduleTracker() *mockScheduleTracker {
	return &mockScheduleTracker{lastRuns: make(map[string]time.Time)}
}

func (m *mockScheduleTracker) GetLastRun(_ context.Context, name string) (time.Time, error) {
	return m.lastRuns[name], nil
}

func (m *mockScheduleTracker) SetLastRun(_ context.Context, name string, slot time.Time) error {
	m.lastRuns[name] = slot
	return nil
}

func (m *mockScheduleTracker) DeleteLastRun(_ context.Context, name string) error {
	delete(m.lastRuns, name)
	return nil
}

func (m *mockScheduleTracker) GetAllPipelines(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.lastRuns))
	for name := range m.lastRuns {
		names = append(names, name)
	}
	return names, nil
}

type recordingEnqueuer struct {
	queued []tasks.RunPayload
	err    error
}

func (r *recordingEnqueuer) EnqueueRun(payload tasks.RunPayload, _ ...asynq.Option) (tasks.RunPayload, error) {
	if r.err != nil {
		return payload, r.err
	}

	payload.RunID = "run"
	r.queued = append(r.queued, payload)

	return payload, nil
}

func hourly(name string) *pipeline.Definition {
	return &pipeline.Definition{Name: name, Schedule: "0 * * * *"}
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestTicker_Check(t *testing.T) {
	tracker := newMockScheduleTracker()
	enqueuer := &recordingEnqueuer{}

	tk, err := newTicker(logrus.New(), tracker, enqueuer, []*pipeline.Definition{hourly("flights")})
	require.NoError(t, err)

	ctx := context.Background()

	// First sighting records now and waits for the next slot
	tk.check(ctx, at(6, 30))
	assert.Empty(t, enqueuer.queued)
	assert.Equal(t, at(6, 30), tracker.lastRuns["flights"])

	tk.check(ctx, at(6, 59))
	assert.Empty(t, enqueuer.queued)

	tk.check(ctx, at(7, 0))
	require.Len(t, enqueuer.queued, 1)
	assert.Equal(t, at(7, 0), enqueuer.queued[0].ScheduledFor)
	assert.Equal(t, tasks.TriggerSchedule, enqueuer.queued[0].Trigger)
	assert.Equal(t, at(7, 0), tracker.lastRuns["flights"])

	// Same slot is not enqueued twice
	tk.check(ctx, at(7, 30))
	assert.Len(t, enqueuer.queued, 1)

	// Missed slots collapse into the latest
	tk.check(ctx, at(10, 15))
	require.Len(t, enqueuer.queued, 2)
	assert.Equal(t, at(10, 0), enqueuer.queued[1].ScheduledFor)
}

func TestTicker_AlreadyQueuedAdvances(t *testing.T) {
	tracker := newMockScheduleTracker()
	tracker.lastRuns["flights"] = at(6, 0)

	tk, err := newTicker(logrus.New(), tracker, &recordingEnqueuer{err: tasks.ErrAlreadyQueued}, []*pipeline.Definition{hourly("flights")})
	require.NoError(t, err)

	tk.check(context.Background(), at(7, 5))
	assert.Equal(t, at(7, 0), tracker.lastRuns["flights"])
}

func TestTicker_EnqueueFailureRetries(t *testing.T) {
	tracker := newMockScheduleTracker()
	tracker.lastRuns["flights"] = at(6, 0)
	enqueuer := &recordingEnqueuer{err: errors.New("redis down")}

	tk, err := newTicker(logrus.New(), tracker, enqueuer, []*pipeline.Definition{hourly("flights")})
	require.NoError(t, err)

	tk.check(context.Background(), at(7, 5))
	assert.Equal(t, at(6, 0), tracker.lastRuns["flights"])

	enqueuer.err = nil
	tk.check(context.Background(), at(7, 6))
	require.Len(t, enqueuer.queued, 1)
	assert.Equal(t, at(7, 0), enqueuer.queued[0].ScheduledFor)
}

func TestTicker_InvalidSchedule(t *testing.T) {
	_, err := newTicker(logrus.New(), newMockScheduleTracker(), &recordingEnqueuer{}, []*pipeline.Definition{
		{Name: "broken", Schedule: "every tuesday"},
	})
	require.ErrorIs(t, err, pipeline.ErrInvalidSchedule)
}

func TestTicker_Prune(t *testing.T) {
	tracker := newMockScheduleTracker()
	tracker.lastRuns["flights"] = at(6, 0)
	tracker.lastRuns["retired"] = at(6, 0)

	tk, err := newTicker(logrus.New(), tracker, &recordingEnqueuer{}, []*pipeline.Definition{hourly("flights")})
	require.NoError(t, err)

	require.NoError(t, tk.prune(context.Background()))
	assert.Contains(t, tracker.lastRuns, "flights")
	assert.NotContains(t, tracker.lastRuns, "retired")
}

func TestLatestSlot(t *testing.T) {
	sched, err := cronParser.Parse("@every 15m")
	require.NoError(t, err)

	slot, due := latestSlot(sched, at(6, 0), at(6, 10))
	assert.False(t, due)
	assert.Equal(t, at(6, 15), slot)

	slot, due = latestSlot(sched, at(6, 0), at(7, 1))
	assert.True(t, due)
	assert.Equal(t, at(7, 0), slot)
}

func TestRedisScheduleTracker(t *testing.T) {
	_, client := testutil.NewMiniredisClient(t)
	tracker := newScheduleTracker(logrus.New(), client, "medallion")
	ctx := context.Background()

	last, err := tracker.GetLastRun(ctx, "flights")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, tracker.SetLastRun(ctx, "flights", at(7, 0)))
	require.NoError(t, tracker.SetLastRun(ctx, "weather", at(8, 0)))

	last, err = tracker.GetLastRun(ctx, "flights")
	require.NoError(t, err)
	assert.True(t, at(7, 0).Equal(last))

	names, err := tracker.GetAllPipelines(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"flights", "weather"}, names)

	require.NoError(t, tracker.DeleteLastRun(ctx, "weather"))

	names, err = tracker.GetAllPipelines(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"flights"}, names)

	require.NoError(t, client.Set(ctx, "medallion:scheduler:slot:bad", "yesterday", 0).Err())
	_, err = tracker.GetLastRun(ctx, "bad")
	require.Error(t, err)
}
