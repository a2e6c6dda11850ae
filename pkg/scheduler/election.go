package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrElectorStopped is returned when the elector is stopped while waiting for leadership
	ErrElectorStopped = errors.New("elector stopped while waiting for leadership")
)

// renewScript extends the lease only while this instance still owns it
//
//nolint:gochecknoglobals // compiled once, shared by every elector
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only while this instance still owns it
//
//nolint:gochecknoglobals // compiled once, shared by every elector
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderElector manages distributed leader election using Redis
type LeaderElector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	WaitForLeadership(ctx context.Context) error
	// Demoted signals when leadership is lost
	Demoted() <-chan struct{}
}

type elector struct {
	log        logrus.FieldLogger
	redis      *redis.Client
	instanceID string
	key        string
	ttl        time.Duration
	renew      time.Duration

	isLeader bool
	mu       sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup

	promoted chan struct{}
	demoted  chan struct{}
}

// NewLeaderElector creates an elector competing for the lock at key. The
// holder renews every renew interval; the lock expires after ttl without a
// renewal. The client is borrowed and left open on Stop.
func NewLeaderElector(log logrus.FieldLogger, client *redis.Client, key string, ttl, renew time.Duration) LeaderElector {
	instanceID := uuid.New().String()

	return &elector{
		log:        log.WithFields(logrus.Fields{"component": "election", "instance_id": instanceID}),
		redis:      client,
		instanceID: instanceID,
		key:        key,
		ttl:        ttl,
		renew:      renew,
		done:       make(chan struct{}),
		promoted:   make(chan struct{}, 1),
		demoted:    make(chan struct{}, 1),
	}
}

func (e *elector) Start(ctx context.Context) error {
	e.log.WithField("key", e.key).Info("Starting leader election")

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

func (e *elector) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.release(context.Background())

	e.log.Info("Leader election stopped")

	return nil
}

func (e *elector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	// first attempt without waiting a full interval
	e.campaign(ctx)

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

// campaign acquires or renews the lock and signals any leadership change
func (e *elector) campaign(ctx context.Context) {
	wasLeader := e.IsLeader()
	holds := e.hold(ctx, wasLeader)

	switch {
	case holds && !wasLeader:
		e.setLeader(true)
		e.log.Info("Promoted to leader")
		notify(e.promoted)
	case !holds && wasLeader:
		e.setLeader(false)
		e.log.Warn("Demoted from leader")
		notify(e.demoted)
	}
}

func (e *elector) hold(ctx context.Context, leader bool) bool {
	if leader {
		renewed, err := renewScript.Run(ctx, e.redis, []string{e.key}, e.instanceID, e.ttl.Milliseconds()).Int()
		if err != nil {
			e.log.WithError(err).Warn("Failed to renew leader lease")
			return false
		}

		return renewed == 1
	}

	acquired, err := e.redis.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		e.log.WithError(err).Debug("Failed to acquire leader lock")
		return false
	}

	if !acquired {
		e.log.Debug("Another instance holds leadership")
	}

	return acquired
}

func (e *elector) release(ctx context.Context) {
	if !e.IsLeader() {
		return
	}

	e.setLeader(false)

	released, err := releaseScript.Run(ctx, e.redis, []string{e.key}, e.instanceID).Int()
	if err != nil {
		e.log.WithError(err).Warn("Failed to release leader lock")
		return
	}

	if released == 1 {
		e.log.Info("Released leader lock")
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *elector) setLeader(isLeader bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isLeader = isLeader
}

func (e *elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *elector) WaitForLeadership(ctx context.Context) error {
	if e.IsLeader() {
		return nil
	}

	select {
	case <-e.promoted:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context canceled while waiting for leadership: %w", ctx.Err())
	case <-e.done:
		return ErrElectorStopped
	}
}

func (e *elector) Demoted() <-chan struct{} {
	return e.demoted
}

var _ LeaderElector = (*elector)(nil)
