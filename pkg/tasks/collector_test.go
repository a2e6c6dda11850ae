package tasks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueueStats map[string]*asynq.QueueInfo

func (f fakeQueueStats) GetQueueStats(queueName string) (*asynq.QueueInfo, error) {
	if queueName == "broken" {
		return nil, errors.New("connection refused")
	}

	info, ok := f[queueName]
	if !ok {
		return nil, fmt.Errorf("asynq: %w", asynq.ErrQueueNotFound)
	}

	return info, nil
}

func TestQueueCollector(t *testing.T) {
	stats := fakeQueueStats{
		"flights": {Queue: "flights", Pending: 2, Active: 1, Completed: 5},
	}

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewQueueCollector(logrus.New(), stats, []string{"flights", "unused", "broken"})))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "medallion_queue_tasks", families[0].GetName())

	got := make(map[string]float64)
	for _, m := range families[0].GetMetric() {
		labels := make(map[string]string)
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}

		assert.Equal(t, "flights", labels["pipeline"], "never used queues report nothing")
		got[labels["state"]] = m.GetGauge().GetValue()
	}

	assert.Equal(t, map[string]float64{
		"pending":   2,
		"active":    1,
		"scheduled": 0,
		"retry":     0,
		"archived":  0,
		"completed": 5,
	}, got)
}
