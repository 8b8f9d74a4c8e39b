package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoElectorConfig configures a LeaderElector backed by a Mongo
// collection instead of Redis, for deployments without a Redis instance.
type MongoElectorConfig struct {
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
	InstanceID      string
}

func DefaultMongoElectorConfig(lockName string) MongoElectorConfig {
	return MongoElectorConfig{
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
		InstanceID:      uuid.NewString(),
	}
}

type lockDoc struct {
	ID         string    `bson:"_id"`
	HolderID   string    `bson:"holderId"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// LeaderElector runs leader election using findOneAndUpdate upserts against
// a Mongo collection: the winner is whichever instance's write lands while
// the current holder's lease has expired.
type LeaderElector struct {
	coll *mongo.Collection
	cfg  MongoElectorConfig

	isLeader atomic.Bool
	running  atomic.Bool

	mu             sync.Mutex
	onBecomeLeader func()
	onLoseLeader   func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLeaderElector(coll *mongo.Collection, cfg MongoElectorConfig) *LeaderElector {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &LeaderElector{coll: coll, cfg: cfg}
}

func (e *LeaderElector) OnBecomeLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBecomeLeader = fn
}

func (e *LeaderElector) OnLoseLeadership(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLoseLeader = fn
}

func (e *LeaderElector) IsLeader() bool { return e.isLeader.Load() }

func (e *LeaderElector) Start(ctx context.Context) error {
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
	log.Info().Str("lockName", e.cfg.LockName).Str("instanceId", e.cfg.InstanceID).Msg("mongo leader election started")
	return nil
}

func (e *LeaderElector) Stop() {
	if !e.running.Swap(false) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *LeaderElector) tick(ctx context.Context) {
	now := time.Now()
	filter := bson.M{
		"_id": e.cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"holderId": e.cfg.InstanceID},
		},
	}
	update := bson.M{"$set": bson.M{
		"holderId":  e.cfg.InstanceID,
		"expiresAt": now.Add(e.cfg.TTL),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc lockDoc
	err := e.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	switch {
	case err == nil && doc.HolderID == e.cfg.InstanceID:
		e.setLeader(true)
	case err == mongo.ErrNoDocuments:
		e.setLeader(false)
	case err != nil:
		log.Error().Err(err).Msg("mongo leader election tick failed")
		e.setLeader(false)
	default:
		e.setLeader(false)
	}
}

func (e *LeaderElector) release(ctx context.Context) {
	if !e.isLeader.Load() {
		return
	}
	_, err := e.coll.DeleteOne(ctx, bson.M{"_id": e.cfg.LockName, "holderId": e.cfg.InstanceID})
	if err != nil {
		log.Error().Err(err).Msg("failed to release mongo leadership lock")
	}
	e.setLeader(false)
}

func (e *LeaderElector) setLeader(leader bool) {
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
