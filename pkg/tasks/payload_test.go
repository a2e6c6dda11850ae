package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunPayload_UniqueID(t *testing.T) {
	slot := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload RunPayload
		want    string
	}{
		{
			name:    "manual run keyed by run id",
			payload: RunPayload{Pipeline: "flights", RunID: "abc", Trigger: TriggerManual},
			want:    "flights:abc",
		},
		{
			name:    "scheduled run keyed by slot",
			payload: RunPayload{Pipeline: "flights", RunID: "abc", Trigger: TriggerSchedule, ScheduledFor: slot},
			want:    "flights:1704088800",
		},
		{
			name:    "scheduled trigger without slot",
			payload: RunPayload{Pipeline: "flights", RunID: "abc", Trigger: TriggerSchedule},
			want:    "flights:abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.UniqueID())
			assert.Equal(t, "flights", tt.payload.QueueName())
		})
	}
}

func TestRunPayload_RunTime(t *testing.T) {
	enqueued := time.Date(2024, 1, 1, 6, 3, 0, 0, time.UTC)
	slot := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

	assert.Equal(t, enqueued, RunPayload{EnqueuedAt: enqueued}.RunTime())
	assert.Equal(t, slot, RunPayload{EnqueuedAt: enqueued, ScheduledFor: slot}.RunTime())
}
