package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
)

type fakeConsumer struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (f *fakeConsumer) Poll(ctx context.Context, max int) ([]model.QueuedMessage, error) {
	return nil, nil
}
func (f *fakeConsumer) Ack(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, handle)
	return nil
}
func (f *fakeConsumer) Nack(handle string, delay *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, handle)
	return nil
}
func (f *fakeConsumer) ExtendVisibility(handle string, d time.Duration) error { return nil }
func (f *fakeConsumer) IsHealthy() bool                                      { return true }
func (f *fakeConsumer) Stop() error                                          { return nil }
func (f *fakeConsumer) Metrics() queue.ConsumerMetrics                       { return queue.ConsumerMetrics{} }
func (f *fakeConsumer) Name() string                                         { return "fake" }

func (f *fakeConsumer) nackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nacked)
}

func (f *fakeConsumer) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

// blockingMediator holds every call open until release is closed, so a test
// can observe a pool at capacity before messages complete.
type blockingMediator struct {
	release chan struct{}
}

func (m *blockingMediator) Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome {
	if m.release != nil {
		<-m.release
	}
	return model.Success()
}

func newTestManager(mediator Mediator) *QueueManager {
	m := NewQueueManager(mediator)
	m.WithPipelineCleanup(&PipelineCleanupConfig{Enabled: false}).
		WithVisibilityExtender(&VisibilityExtenderConfig{Enabled: false}).
		WithLeakDetection(&LeakDetectionConfig{Enabled: false})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestRouteMessageBatchSubmitsAndAcks(t *testing.T) {
	mgr := newTestManager(&blockingMediator{})
	mgr.Start()
	defer mgr.Stop()

	consumer := &fakeConsumer{}
	batch := []model.QueuedMessage{
		{Pointer: model.MessagePointer{JobID: "job-1", DispatchPoolID: "pool-a"}, ReceiptHandle: "h1", BrokerMessageID: "b1"},
	}

	result := mgr.RouteMessageBatch(context.Background(), batch, consumer)
	assert.Equal(t, 1, result.Submitted)

	waitFor(t, time.Second, func() bool { return consumer.ackedCount() == 1 })
}

func TestRouteMessageBatchDeduplicatesInFlightBrokerRedelivery(t *testing.T) {
	release := make(chan struct{})
	mgr := newTestManager(&blockingMediator{release: release})
	mgr.Start()
	defer func() {
		close(release)
		mgr.Stop()
	}()

	consumer := &fakeConsumer{}
	msg := model.MessagePointer{JobID: "job-1", DispatchPoolID: "pool-a"}
	first := mgr.RouteMessageBatch(context.Background(), []model.QueuedMessage{
		{Pointer: msg, ReceiptHandle: "h1", BrokerMessageID: "b1"},
	}, consumer)
	require.Equal(t, 1, first.Submitted)

	second := mgr.RouteMessageBatch(context.Background(), []model.QueuedMessage{
		{Pointer: msg, ReceiptHandle: "h2", BrokerMessageID: "b1"},
	}, consumer)
	assert.Equal(t, 1, second.Deduplicated)
	assert.Equal(t, 0, second.Submitted)
}

func TestRouteMessageBatchNotRunningRejectsAll(t *testing.T) {
	mgr := newTestManager(&blockingMediator{})
	consumer := &fakeConsumer{}

	batch := []model.QueuedMessage{
		{Pointer: model.MessagePointer{JobID: "job-1"}, ReceiptHandle: "h1"},
	}
	result := mgr.RouteMessageBatch(context.Background(), batch, consumer)

	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, consumer.nackedCount())
}

func TestRouteMessageBatchEmptyBatchReturnsZeroResult(t *testing.T) {
	mgr := newTestManager(&blockingMediator{})
	mgr.Start()
	defer mgr.Stop()

	result := mgr.RouteMessageBatch(context.Background(), nil, &fakeConsumer{})
	assert.Equal(t, BatchRouteResult{}, result)
}

func TestGetOrCreatePoolIsIdempotent(t *testing.T) {
	mgr := newTestManager(&blockingMediator{})
	cfg := &PoolConfig{Code: "pool-a", Concurrency: 5, QueueCapacity: 50}

	p1 := mgr.GetOrCreatePool(cfg)
	p2 := mgr.GetOrCreatePool(cfg)
	assert.Same(t, p1, p2)
}

func TestUpdatePoolReturnsFalseForUnknownPool(t *testing.T) {
	mgr := newTestManager(&blockingMediator{})
	assert.False(t, mgr.UpdatePool(&PoolConfig{Code: "missing"}))
}

func TestGenerateBatchIDIsUnique(t *testing.T) {
	a := GenerateBatchID()
	b := GenerateBatchID()
	assert.NotEqual(t, a, b)
}
