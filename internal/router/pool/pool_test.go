package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/internal/model"
)

type recordingCallback struct {
	mu     sync.Mutex
	acked  []*MessagePointer
	nacked []*MessagePointer
}

func (c *recordingCallback) Ack(msg *MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg)
}

func (c *recordingCallback) Nack(msg *MessagePointer, delay *time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg)
}

func (c *recordingCallback) ackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

func (c *recordingCallback) nackedJobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.nacked))
	for i, m := range c.nacked {
		ids[i] = m.Message.JobID
	}
	return ids
}

func (c *recordingCallback) ackedJobIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.acked))
	for i, m := range c.acked {
		ids[i] = m.Message.JobID
	}
	return ids
}

type scriptedMediator struct {
	mu      sync.Mutex
	outcome func(jobID string) *model.MediationOutcome
}

func (m *scriptedMediator) Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome(msg.JobID)
}

func alwaysSucceed() *scriptedMediator {
	return &scriptedMediator{outcome: func(string) *model.MediationOutcome { return model.Success() }}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestSubmitProcessesAndAcksSuccessfulMessage(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 2}, alwaysSucceed())
	defer p.Shutdown()

	cb := &recordingCallback{}
	err := p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"})
	require.NoError(t, err)

	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 1 })
}

func TestSubmitAfterDrainReturnsErrDraining(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 1}, alwaysSucceed())
	defer p.Shutdown()
	p.Drain()

	err := p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: &recordingCallback{}, GroupID: "g1"})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestSubmitAfterShutdownReturnsErrDraining(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 1}, alwaysSucceed())
	p.Shutdown()

	err := p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: &recordingCallback{}, GroupID: "g1"})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestSubmitReturnsErrQueueFullWhenGroupQueueSaturated(t *testing.T) {
	release := make(chan struct{})
	blocking := &scriptedMediator{outcome: func(string) *model.MediationOutcome {
		<-release
		return model.Success()
	}}
	p := New(Config{Code: "pool-a", Concurrency: 1, QueueCapacity: 1}, blocking)
	defer func() {
		close(release)
		p.Shutdown()
	}()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-2"}, Callback: cb, GroupID: "g1"}))

	err := p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-3"}, Callback: cb, GroupID: "g1"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestGroupPreservesFIFOOrder(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 1}, alwaysSucceed())
	defer p.Shutdown()

	cb := &recordingCallback{}
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: id}, Callback: cb, GroupID: "g1"}))
	}

	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 3 })
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, cb.ackedJobIDs())
}

func TestDistinctGroupsProcessIndependently(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 4}, alwaysSucceed())
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "g1-a"}, Callback: cb, GroupID: "g1"}))
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "g2-a"}, Callback: cb, GroupID: "g2"}))

	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 2 })
}

func TestErrorConfigOutcomeIsAckedAndDropped(t *testing.T) {
	m := &scriptedMediator{outcome: func(string) *model.MediationOutcome {
		status := 404
		return model.ErrorConfig(&status, nil)
	}}
	p := New(Config{Code: "pool-a", Concurrency: 1}, m)
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))

	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 1 })
	assert.Empty(t, cb.nackedJobIDs())
}

func TestErrorProcessOutcomeIsNackedAndContinuesToNextOnError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	m := &scriptedMediator{outcome: func(jobID string) *model.MediationOutcome {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return model.ErrorProcess(nil, nil, assertErr)
		}
		return model.Success()
	}}
	p := New(Config{Code: "pool-a", Concurrency: 1}, m)
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-2"}, Callback: cb, GroupID: "g1"}))

	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 1 })
	assert.Equal(t, []string{"job-1"}, cb.nackedJobIDs())
	assert.Equal(t, []string{"job-2"}, cb.ackedJobIDs())
}

func TestBlockOnErrorHaltsGroupUntilUnblocked(t *testing.T) {
	var calls int
	var mu sync.Mutex
	m := &scriptedMediator{outcome: func(jobID string) *model.MediationOutcome {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return model.ErrorProcess(nil, nil, assertErr)
		}
		return model.Success()
	}}
	p := New(Config{Code: "pool-a", Concurrency: 1, ErrorMode: BlockOnError}, m)
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-2"}, Callback: cb, GroupID: "g1"}))

	waitForCondition(t, time.Second, func() bool { return len(cb.nackedJobIDs()) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, cb.ackedCount(), "second message must not be processed while blocked")

	p.mu.Lock()
	gw := p.groups["g1"]
	p.mu.Unlock()
	require.NotNil(t, gw)
	assert.Equal(t, StateBlocked, gw.State())

	gw.Unblock()
	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 1 })
}

func TestUpdateConcurrencyReplacesSemaphoreSize(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 1}, alwaysSucceed())
	defer p.Shutdown()

	assert.Equal(t, 1, p.GetConcurrency())
	p.UpdateConcurrency(5, 0)
	assert.Equal(t, 5, p.GetConcurrency())

	p.UpdateConcurrency(0, 0)
	assert.Equal(t, 5, p.GetConcurrency(), "non-positive n must be a no-op")
}

func TestUpdateRateLimitNilRemovesCap(t *testing.T) {
	limit := 60
	p := New(Config{Code: "pool-a", Concurrency: 1, RateLimitPerMinute: &limit}, alwaysSucceed())
	defer p.Shutdown()

	assert.False(t, p.IsRateLimited())
	p.UpdateRateLimit(nil)
	assert.False(t, p.IsRateLimited())
}

func TestHasCapacityReflectsSemaphoreSize(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 2}, alwaysSucceed())
	defer p.Shutdown()

	assert.True(t, p.HasCapacity(1))
}

var assertErr = assertTestError("mediation failed")

type assertTestError string

func (e assertTestError) Error() string { return string(e) }

type recordingHealthRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (r *recordingHealthRecorder) RecordPoolResult(poolCode string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, success)
}

func (r *recordingHealthRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func TestStatsReflectsSuccessfulSamples(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 2}, alwaysSucceed())
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	waitForCondition(t, time.Second, func() bool { return cb.ackedCount() == 1 })

	short, long := p.Stats()
	assert.Equal(t, 1, short.Count)
	assert.Equal(t, 1, short.SuccessCount)
	assert.Equal(t, 0, short.FailureCount)
	// The one sample falls in both windows; throughput differs only because
	// it is divided by each window's length (5 min vs 30 min).
	assert.Equal(t, short.Count, long.Count)
	assert.Equal(t, short.SuccessCount, long.SuccessCount)
	assert.Equal(t, short.P50Ms, long.P50Ms)
	assert.InDelta(t, 6*long.ThroughputPerSec, short.ThroughputPerSec, 1e-9)
}

func TestStatsCountsFailuresSeparately(t *testing.T) {
	p := New(Config{Code: "pool-a", Concurrency: 2, ErrorMode: NextOnError}, &scriptedMediator{
		outcome: func(string) *model.MediationOutcome { return model.ErrorProcess(nil, nil, assertErr) },
	})
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	waitForCondition(t, time.Second, func() bool { return len(cb.nackedJobIDs()) == 1 })

	_, long := p.Stats()
	assert.Equal(t, 1, long.FailureCount)
	assert.Equal(t, 0, long.SuccessCount)
}

func TestHealthRecorderReceivesOutcomes(t *testing.T) {
	hr := &recordingHealthRecorder{}
	p := New(Config{Code: "pool-a", Concurrency: 2}, alwaysSucceed()).WithHealthRecorder(hr)
	defer p.Shutdown()

	cb := &recordingCallback{}
	require.NoError(t, p.Submit(&MessagePointer{Message: model.MessagePointer{JobID: "job-1"}, Callback: cb, GroupID: "g1"}))
	waitForCondition(t, time.Second, func() bool { return hr.count() == 1 })
}
