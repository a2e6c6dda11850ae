package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/internal/testutil"
)

const (
	testLeaderKey = "medallion:scheduler:leader"
	testTTL       = 2 * time.Second
	testRenew     = 100 * time.Millisecond
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestLeaderElection_SingleInstance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, client := testutil.NewMiniredisClient(t)

	e := NewLeaderElector(quietLog(), client, testLeaderKey, testTTL, testRenew)
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.NoError(t, e.WaitForLeadership(ctx))
	assert.True(t, e.IsLeader())
}

func TestLeaderElection_OneLeaderAndFailover(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mr, client := testutil.NewMiniredisClient(t)
	log := quietLog()

	first := NewLeaderElector(log, client, testLeaderKey, testTTL, testRenew)
	second := NewLeaderElector(log, client, testLeaderKey, testTTL, testRenew)

	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	require.Eventually(t, func() bool {
		return first.IsLeader() != second.IsLeader()
	}, 2*time.Second, 20*time.Millisecond, "exactly one instance should lead")

	time.Sleep(3 * testRenew)
	assert.NotEqual(t, first.IsLeader(), second.IsLeader(), "leadership must stay with one instance")

	leader, follower := first, second
	if second.IsLeader() {
		leader, follower = second, first
	}
	defer follower.Stop()

	require.NoError(t, leader.Stop())
	assert.False(t, leader.IsLeader())

	require.Eventually(t, follower.IsLeader, 2*time.Second, 20*time.Millisecond,
		"follower should take over once the lock is released")

	owner, err := mr.Get(testLeaderKey)
	require.NoError(t, err)
	assert.NotEmpty(t, owner)
}

func TestLeaderElection_DemotedWhenLockLost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mr, client := testutil.NewMiniredisClient(t)

	e := NewLeaderElector(quietLog(), client, testLeaderKey, testTTL, testRenew)
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitForLeadership(ctx))

	// another instance took the lock, e.g. after ours expired
	require.NoError(t, mr.Set(testLeaderKey, "someone-else"))

	select {
	case <-e.Demoted():
		assert.False(t, e.IsLeader())
	case <-time.After(2 * time.Second):
		t.Fatal("elector was not demoted")
	}

	// stopping must not delete a lock it no longer owns
	require.NoError(t, e.Stop())

	owner, err := mr.Get(testLeaderKey)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", owner)
}

func TestLeaderElection_WaitStopped(t *testing.T) {
	ctx := context.Background()

	mr, client := testutil.NewMiniredisClient(t)
	require.NoError(t, mr.Set(testLeaderKey, "someone-else"))

	e := NewLeaderElector(quietLog(), client, testLeaderKey, testTTL, testRenew)
	require.NoError(t, e.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- e.WaitForLeadership(ctx) }()

	time.Sleep(2 * testRenew)
	require.NoError(t, e.Stop())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrElectorStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForLeadership did not return after Stop")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "valid", config: Config{TickInterval: time.Second, LeaseTTL: 10 * time.Second, RenewInterval: 3 * time.Second}},
		{name: "zero tick", config: Config{LeaseTTL: 10 * time.Second, RenewInterval: 3 * time.Second}, wantErr: ErrInvalidTickInterval},
		{name: "renew not shorter than ttl", config: Config{TickInterval: time.Second, LeaseTTL: 3 * time.Second, RenewInterval: 3 * time.Second}, wantErr: ErrInvalidLease},
		{name: "zero renew", config: Config{TickInterval: time.Second, LeaseTTL: 3 * time.Second}, wantErr: ErrInvalidLease},
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
}
