// Package leader implements distributed leader election so that only one
// running instance performs singleton work (outbox dispatch, pool config
// sync) at a time. RedisLeaderElector uses SET NX EX for lock acquisition
// and a Lua check-and-extend script for the heartbeat, so a lease can only
// be renewed or released by the instance that holds it.
package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
	return 1
else
	return 0
end`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
else
	return 0
end`

// RedisElectorConfig configures a RedisLeaderElector.
type RedisElectorConfig struct {
	LockKey         string
	TTL             time.Duration
	RefreshInterval time.Duration
	InstanceID      string
}

// DefaultRedisElectorConfig returns a config locking on lockName with a
// 30s lease renewed every 10s, tagged with a fresh random instance id.
func DefaultRedisElectorConfig(lockName string) RedisElectorConfig {
	return RedisElectorConfig{
		LockKey:         "fc:leader:" + lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
		InstanceID:      uuid.NewString(),
	}
}

// RedisLeaderElector runs a single-winner election across any number of
// instances sharing a Redis deployment, polling on RefreshInterval to
// acquire the lock or extend its own lease.
type RedisLeaderElector struct {
	client *redis.Client
	cfg    RedisElectorConfig

	isLeader atomic.Bool
	running  atomic.Bool

	mu             sync.Mutex
	onBecomeLeader func()
	onLoseLeader   func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisLeaderElector constructs an elector bound to client. Start must
// be called to begin participating in the election.
func NewRedisLeaderElector(client *redis.Client, cfg RedisElectorConfig) *RedisLeaderElector {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &RedisLeaderElector{client: client, cfg: cfg}
}

// OnBecomeLeader registers a callback fired when this instance wins the
// election. Must be set before Start.
func (e *RedisLeaderElector) OnBecomeLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBecomeLeader = fn
}

// OnLoseLeadership registers a callback fired when this instance's lease
// expires or is preempted. Must be set before Start.
func (e *RedisLeaderElector) OnLoseLeadership(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLoseLeader = fn
}

// IsLeader reports whether this instance currently holds the lock.
func (e *RedisLeaderElector) IsLeader() bool { return e.isLeader.Load() }

// Start begins the election loop in the background.
func (e *RedisLeaderElector) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.RefreshInterval)
		defer ticker.Stop()
		e.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				e.release(context.Background())
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
	log.Info().Str("lockKey", e.cfg.LockKey).Str("instanceId", e.cfg.InstanceID).Msg("redis leader election started")
	return nil
}

// Stop halts the election loop and releases the lock if held.
func (e *RedisLeaderElector) Stop() {
	if !e.running.Swap(false) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *RedisLeaderElector) tick(ctx context.Context) {
	if e.isLeader.Load() {
		extended, err := e.extend(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to extend leadership lease")
			e.setLeader(false)
			return
		}
		if !extended {
			log.Warn().Str("instanceId", e.cfg.InstanceID).Msg("lost leadership lease")
			e.setLeader(false)
		}
		return
	}

	acquired, err := e.acquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to attempt leadership acquisition")
		return
	}
	if acquired {
		log.Info().Str("instanceId", e.cfg.InstanceID).Msg("acquired leadership")
		e.setLeader(true)
	}
}

func (e *RedisLeaderElector) acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.TTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (e *RedisLeaderElector) extend(ctx context.Context) (bool, error) {
	res, err := e.client.Eval(ctx, extendScript, []string{e.cfg.LockKey}, e.cfg.InstanceID, int(e.cfg.TTL.Seconds())).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (e *RedisLeaderElector) release(ctx context.Context) {
	if !e.isLeader.Load() {
		return
	}
	_, err := e.client.Eval(ctx, releaseScript, []string{e.cfg.LockKey}, e.cfg.InstanceID).Result()
	if err != nil {
		log.Error().Err(err).Msg("failed to release leadership lock")
	}
	e.setLeader(false)
}

func (e *RedisLeaderElector) setLeader(leader bool) {
	was := e.isLeader.Swap(leader)
	if was == leader {
		return
	}
	e.mu.Lock()
	onBecome, onLose := e.onBecomeLeader, e.onLoseLeader
	e.mu.Unlock()
	if leader && onBecome != nil {
		onBecome()
	} else if !leader && onLose != nil {
		onLose()
	}
}
