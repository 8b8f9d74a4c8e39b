// Package manager implements the queue manager: dual-ID deduplication,
// per-pool/per-group batch routing with a failure barrier, hot pool
// reconfiguration driven by configsync, stale-pipeline cleanup,
// visibility extension for long-running messages, and consumer health
// monitoring with auto-restart.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/configsync"
	"go.flowcatalyst.tech/internal/router/pool"
)

// Default pool configuration constants.
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
	DefaultPoolCode                = "DEFAULT-POOL"
)

// StandbyChecker reports whether this instance currently holds the
// leadership lock; config sync only runs on the primary.
type StandbyChecker interface {
	IsPrimary() bool
}

// WarningService reports operational warnings surfaced on the admin API.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// ConsumerHealthRecorder receives poll-activity and running-state updates
// for one named consumer; health.Service satisfies this.
type ConsumerHealthRecorder interface {
	RecordConsumerPoll(consumerID string)
	SetConsumerRunning(consumerID string, running bool)
}

// PoolConfig configures one processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// PipelineCleanupConfig configures stale in-flight entry cleanup.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{Enabled: true, Interval: 5 * time.Minute, TTL: time.Hour}
}

// VisibilityExtenderConfig configures visibility-timeout extension for
// messages that have been in flight longer than Threshold.
type VisibilityExtenderConfig struct {
	Enabled          bool
	Interval         time.Duration
	Threshold        time.Duration
	ExtensionSeconds int
}

func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         55 * time.Second,
		Threshold:        50 * time.Second,
		ExtensionSeconds: 120,
	}
}

// ConsumerHealthConfig configures stall detection and auto-restart.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig configures the periodic pipeline-map leak check.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{Enabled: true, Interval: 30 * time.Second}
}

// Mediator delivers a message; satisfied by mediator.HTTPMediator.
type Mediator interface {
	Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome
}

// pipelineEntry is the bookkeeping kept for one in-flight message, keyed by
// its dedup key (broker message id, falling back to job id).
type pipelineEntry struct {
	jobID     string
	dedupKey  string
	handle    string
	consumer  queue.Consumer
	startedAt time.Time
}

// QueueManager routes polled messages to processing pools, deduplicating by
// broker message id and application job id, and owns every background loop
// that keeps pool configuration, pipeline bookkeeping, and consumer health
// converged with reality.
type QueueManager struct {
	mediator Mediator

	pools         map[string]*pool.Pool
	poolsMu       sync.RWMutex
	drainingPools sync.Map

	inPipeline     sync.Map // dedupKey -> *pipelineEntry
	appIDToDedup   sync.Map // jobID -> dedupKey

	running     bool
	runningMu   sync.Mutex
	initialized bool

	standbyChecker StandbyChecker

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
	warningService      WarningService

	healthRecorder pool.HealthRecorder
}

// NewQueueManager constructs a manager bound to mediator.
func NewQueueManager(mediator Mediator) *QueueManager {
	return &QueueManager{
		pools:               make(map[string]*pool.Pool),
		mediator:            mediator,
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
}

func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithHealthRecorder attaches the health service every pool this manager
// creates reports its per-message outcomes to.
func (m *QueueManager) WithHealthRecorder(hr pool.HealthRecorder) *QueueManager {
	m.healthRecorder = hr
	return m
}

// Start starts every enabled background loop.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	m.running = true

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
	}
	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
	}
	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
	}
	log.Info().Msg("queue manager started")
}

// Stop stops every background loop and shuts down every pool.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.visibilityCancel != nil {
		m.visibilityCancel()
		m.visibilityWg.Wait()
	}
	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for code, p := range m.pools {
		log.Info().Str("pool", code).Msg("shutting down pool")
		p.Shutdown()
	}
	log.Info().Msg("queue manager stopped")
}

// GetOrCreatePool returns the pool for cfg.Code, creating it on first use.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.Pool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := pool.New(pool.Config{
		Code:               cfg.Code,
		Concurrency:        cfg.Concurrency,
		QueueCapacity:      cfg.QueueCapacity,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, m.mediator).WithHealthRecorder(m.healthRecorder)

	m.pools[cfg.Code] = p
	log.Info().Str("pool", cfg.Code).Int("concurrency", cfg.Concurrency).Msg("created processing pool")
	return p
}

func (m *QueueManager) GetPool(code string) *pool.Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// Pools returns a snapshot of every currently active pool, keyed by
// pool_code; used by the monitoring API and the lifecycle supervisor's
// health-report tick to build per-pool stats without holding the
// manager's pool lock while they do it.
func (m *QueueManager) Pools() map[string]*pool.Pool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	out := make(map[string]*pool.Pool, len(m.pools))
	for code, p := range m.pools {
		out[code] = p
	}
	return out
}

// UpdatePool applies a changed concurrency/rate-limit to an existing pool.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	p := m.GetPool(cfg.Code)
	if p == nil {
		return false
	}
	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)
	return true
}

func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
	}
}

// BatchRouteResult summarizes one call to RouteMessageBatch.
type BatchRouteResult struct {
	Submitted    int
	Deduplicated int
	Rejected     int
	FailBarrier  int
}

// RouteMessageBatch runs the three-phase routing pipeline over a batch
// freshly polled from one queue.Consumer: (1) dual-ID deduplication, (2)
// per-pool capacity/rate-limit check, (3) per-group FIFO submission with a
// failure barrier that nacks the remainder of a group once one message in
// it fails to submit.
func (m *QueueManager) RouteMessageBatch(ctx context.Context, batch []model.QueuedMessage, consumer queue.Consumer) BatchRouteResult {
	var result BatchRouteResult
	if len(batch) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		for _, qm := range batch {
			_ = consumer.Nack(qm.ReceiptHandle, nil)
		}
		result.Rejected = len(batch)
		return result
	}

	deduped := make([]model.QueuedMessage, 0, len(batch))
	for _, qm := range batch {
		dedupKey := qm.BrokerMessageID
		if dedupKey == "" {
			dedupKey = qm.Pointer.JobID
		}

		if dedupKey != "" {
			if _, exists := m.inPipeline.Load(dedupKey); exists {
				log.Debug().Str("dedupKey", dedupKey).Str("jobId", qm.Pointer.JobID).
					Msg("duplicate broker redelivery while still in flight; nacking for later retry")
				_ = consumer.Nack(qm.ReceiptHandle, nil)
				result.Deduplicated++
				continue
			}
		}

		if existing, loaded := m.appIDToDedup.Load(qm.Pointer.JobID); loaded {
			existingKey := existing.(string)
			if dedupKey != "" && dedupKey != existingKey {
				log.Info().Str("jobId", qm.Pointer.JobID).Str("existingKey", existingKey).Str("newKey", dedupKey).
					Msg("external requeue of an in-flight job detected; acking duplicate")
				_ = consumer.Ack(qm.ReceiptHandle)
				result.Deduplicated++
				continue
			}
			log.Debug().Str("jobId", qm.Pointer.JobID).Msg("duplicate message, leaving original in flight")
			result.Deduplicated++
			continue
		}

		deduped = append(deduped, qm)
	}

	if len(deduped) == 0 {
		return result
	}

	byPool := make(map[string][]model.QueuedMessage)
	for _, qm := range deduped {
		code := qm.Pointer.DispatchPoolID
		if code == "" {
			code = DefaultPoolCode
		}
		byPool[code] = append(byPool[code], qm)
	}

	for poolCode, poolMessages := range byPool {
		p := m.GetPool(poolCode)
		if p != nil {
			if p.IsRateLimited() {
				log.Warn().Str("pool", poolCode).Int("count", len(poolMessages)).Msg("pool rate limited, nacking batch")
				for _, qm := range poolMessages {
					_ = consumer.Nack(qm.ReceiptHandle, nil)
				}
				result.Rejected += len(poolMessages)
				continue
			}
			if !p.HasCapacity(len(poolMessages)) {
				log.Warn().Str("pool", poolCode).Int("count", len(poolMessages)).Msg("pool at capacity, nacking batch")
				for _, qm := range poolMessages {
					_ = consumer.Nack(qm.ReceiptHandle, nil)
				}
				result.Rejected += len(poolMessages)
				continue
			}
		}

		poolCfg := &PoolConfig{
			Code:          poolCode,
			Concurrency:   DefaultPoolConcurrency,
			QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
		}
		p = m.GetOrCreatePool(poolCfg)

		type groupEntry struct {
			groupID  string
			messages []model.QueuedMessage
		}
		var groups []groupEntry
		groupIndex := make(map[string]int)
		for _, qm := range poolMessages {
			gid := qm.Pointer.EffectiveGroup()
			if idx, ok := groupIndex[gid]; ok {
				groups[idx].messages = append(groups[idx].messages, qm)
			} else {
				groupIndex[gid] = len(groups)
				groups = append(groups, groupEntry{groupID: gid, messages: []model.QueuedMessage{qm}})
			}
		}

		for _, group := range groups {
			barrierTripped := false
			for _, qm := range group.messages {
				dedupKey := qm.BrokerMessageID
				if dedupKey == "" {
					dedupKey = qm.Pointer.JobID
				}

				if barrierTripped {
					_ = consumer.Nack(qm.ReceiptHandle, nil)
					result.FailBarrier++
					continue
				}

				entry := &pipelineEntry{
					jobID:     qm.Pointer.JobID,
					dedupKey:  dedupKey,
					handle:    qm.ReceiptHandle,
					consumer:  consumer,
					startedAt: time.Now(),
				}
				m.inPipeline.Store(dedupKey, entry)
				m.appIDToDedup.Store(qm.Pointer.JobID, dedupKey)

				ptr := qm.Pointer
				item := &pool.MessagePointer{
					Message:  ptr,
					Callback: &messageCallback{manager: m, entry: entry},
					GroupID:  group.groupID,
				}

				if err := p.Submit(item); err != nil {
					log.Warn().Str("pool", poolCode).Str("jobId", ptr.JobID).Str("group", group.groupID).Err(err).
						Msg("submit failed, activating failure barrier for this group")
					m.cleanupPipelineEntry(ptr.JobID, dedupKey)
					_ = consumer.Nack(qm.ReceiptHandle, nil)
					barrierTripped = true
					result.Rejected++
				} else {
					result.Submitted++
				}
			}
		}
	}

	log.Info().Int("submitted", result.Submitted).Int("deduplicated", result.Deduplicated).
		Int("rejected", result.Rejected).Int("failBarrier", result.FailBarrier).Msg("batch routing complete")
	return result
}

func (m *QueueManager) cleanupPipelineEntry(jobID, dedupKey string) {
	m.inPipeline.Delete(dedupKey)
	m.appIDToDedup.Delete(jobID)
}

// messageCallback implements pool.MessageCallback for one submitted
// message, closing over the pipeline entry needed to ack/nack it on the
// broker it actually came from.
type messageCallback struct {
	manager *QueueManager
	entry   *pipelineEntry
}

func (c *messageCallback) Ack(msg *pool.MessagePointer) {
	c.manager.cleanupPipelineEntry(c.entry.jobID, c.entry.dedupKey)
	if err := c.entry.consumer.Ack(c.entry.handle); err != nil {
		log.Error().Err(err).Str("jobId", c.entry.jobID).Msg("failed to ack message")
	}
}

func (c *messageCallback) Nack(msg *pool.MessagePointer, delay *time.Duration) {
	c.manager.cleanupPipelineEntry(c.entry.jobID, c.entry.dedupKey)
	if err := c.entry.consumer.Nack(c.entry.handle, delay); err != nil {
		log.Error().Err(err).Str("jobId", c.entry.jobID).Msg("failed to nack message")
	}
}

// GetPipelineSize returns the current number of in-flight entries.
func (m *QueueManager) GetPipelineSize() int {
	n := 0
	m.inPipeline.Range(func(_, _ any) bool { n++; return true })
	return n
}

// GetTotalPoolCapacity returns the sum of every pool's queue capacity.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// GenerateBatchID returns a fresh sortable batch identifier.
func GenerateBatchID() string {
	return tsid.Generate()
}

// --- Consumer: polls one queue.Consumer and routes batches through a manager ---

const defaultPollBatchSize = 10

// ConsumerFactory builds a replacement queue.Consumer, used to restart a
// stalled consumer against a fresh broker connection.
type ConsumerFactory func() queue.Consumer

// Consumer repeatedly polls a queue.Consumer and routes each batch through
// a QueueManager, tracking activity for stall detection.
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool

	healthRecorder ConsumerHealthRecorder
}

func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{manager: manager, consumer: queueConsumer, ctx: ctx, cancel: cancel}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// WithHealthRecorder attaches the health service this consumer reports
// poll activity and running state to.
func (c *Consumer) WithHealthRecorder(hr ConsumerHealthRecorder) *Consumer {
	c.healthRecorder = hr
	return c
}

func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
	if c.healthRecorder != nil {
		c.healthRecorder.RecordConsumerPoll(c.consumer.Name())
	}
}

func (c *Consumer) GetLastActivity() time.Time { return time.Unix(c.lastActivity.Load(), 0) }

func (c *Consumer) IsStalled() bool { return c.stalled.Load() }

func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

func (c *Consumer) Start() {
	if c.healthRecorder != nil {
		c.healthRecorder.SetConsumerRunning(c.consumer.Name(), true)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop()
	}()
	log.Info().Str("consumer", c.consumer.Name()).Msg("consumer started")
}

func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	_ = c.consumer.Stop()
	if c.healthRecorder != nil {
		c.healthRecorder.SetConsumerRunning(c.consumer.Name(), false)
	}
	log.Info().Str("consumer", c.consumer.Name()).Msg("consumer stopped")
}

func (c *Consumer) pollLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		batch, err := c.consumer.Poll(c.ctx, defaultPollBatchSize)
		if err != nil {
			if err == queue.ErrStopped || c.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("consumer", c.consumer.Name()).Msg("poll error")
			time.Sleep(time.Second)
			continue
		}

		c.updateActivity()
		if len(batch) == 0 {
			continue
		}
		c.manager.RouteMessageBatch(c.ctx, batch, c.consumer)
	}
}

// Router ties a QueueManager, its polling Consumer, and consumer health
// monitoring together.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	consumerHealthRecorder ConsumerHealthRecorder

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

func NewRouter(queueConsumer queue.Consumer, mediator Mediator) *Router {
	manager := NewQueueManager(mediator)
	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer)
	}
	return &Router{manager: manager, consumer: consumer, healthConfig: DefaultConsumerHealthConfig()}
}

// WithConsumerHealthRecorder attaches the health service the router's
// consumer (and any consumer it restarts) reports poll activity to.
func (r *Router) WithConsumerHealthRecorder(hr ConsumerHealthRecorder) *Router {
	r.consumerHealthRecorder = hr
	if r.consumer != nil {
		r.consumer.WithHealthRecorder(hr)
	}
	return r
}

func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}
	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
	}
	log.Info().Msg("message router started")
}

func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()
	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	log.Info().Msg("message router stopped")
}

func (r *Router) Manager() *QueueManager { return r.manager }

func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()
	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.healthCtx.Done():
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()
	if consumer == nil {
		return
	}

	stalledDuration := time.Since(consumer.GetLastActivity())
	if stalledDuration < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			log.Info().Msg("consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()
	metrics.ConsumerStallEvents.Inc()
	log.Warn().Dur("stalledFor", stalledDuration).Int("attempts", restartCount).Msg("consumer appears stalled")

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		log.Error().Int("attempts", restartCount).Msg("consumer exceeded max restart attempts; needs manual intervention")
		return
	}
	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	old := r.consumer
	if old == nil {
		return
	}
	attempt := old.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()
	log.Info().Int("attempt", attempt).Msg("restarting stalled consumer")

	old.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	var next queue.Consumer
	if r.consumerFactory != nil {
		next = r.consumerFactory()
	} else {
		next = old.consumer
		log.Warn().Msg("no consumer factory configured; restarting with existing queue consumer")
	}

	newConsumer := NewConsumer(r.manager, next).WithHealthRecorder(r.consumerHealthRecorder)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer
}

// --- periodic maintenance loops ---

// ApplyPoolConfig reconciles the running pool set with a freshly synced
// configuration: existing pools get their concurrency/rate limit updated,
// new pool codes get created, and pool codes no longer present get
// drained. Satisfies configsync.Reloader.
func (m *QueueManager) ApplyPoolConfig(pools []configsync.PoolSpec) error {
	active := make(map[string]bool, len(pools))
	for _, p := range pools {
		active[p.Code] = true

		if existing := m.GetPool(p.Code); existing != nil {
			if p.Concurrency > 0 && p.Concurrency != existing.GetConcurrency() {
				existing.UpdateConcurrency(p.Concurrency, 60)
			}
			existing.UpdateRateLimit(p.RateLimitPerMinute)
			continue
		}

		concurrency := p.Concurrency
		if concurrency <= 0 {
			concurrency = DefaultPoolConcurrency
		}
		m.GetOrCreatePool(&PoolConfig{
			Code:               p.Code,
			Concurrency:        concurrency,
			QueueCapacity:      concurrency * DefaultQueueCapacityMultiplier,
			RateLimitPerMinute: p.RateLimitPerMinute,
		})
	}

	m.poolsMu.RLock()
	var toRemove []string
	for code := range m.pools {
		if !active[code] && code != DefaultPoolCode {
			toRemove = append(toRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range toRemove {
		m.drainPool(code)
	}
	m.initialized = true
	return nil
}

func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	log.Info().Str("pool", code).Msg("draining pool no longer present in config")
	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
	}()
}

func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()
	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.cleanupCtx.Done():
			return
		case <-ticker.C:
			m.cleanupStaleEntries()
		}
	}
}

func (m *QueueManager) cleanupStaleEntries() {
	now := time.Now()
	cleaned := 0
	m.inPipeline.Range(func(key, value any) bool {
		entry := value.(*pipelineEntry)
		if now.Sub(entry.startedAt) > m.cleanupConfig.TTL {
			m.cleanupPipelineEntry(entry.jobID, entry.dedupKey)
			cleaned++
		}
		return true
	})
	if cleaned > 0 {
		log.Warn().Int("count", cleaned).Dur("ttl", m.cleanupConfig.TTL).
			Msg("cleaned up stale pipeline entries; messages may have been stuck")
	}
}

func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()
	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.visibilityCtx.Done():
			return
		case <-ticker.C:
			m.extendLongRunning()
		}
	}
}

func (m *QueueManager) extendLongRunning() {
	now := time.Now()
	extended := 0
	ext := time.Duration(m.visibilityConfig.ExtensionSeconds) * time.Second
	m.inPipeline.Range(func(_, value any) bool {
		entry := value.(*pipelineEntry)
		if now.Sub(entry.startedAt) < m.visibilityConfig.Threshold {
			return true
		}
		if err := entry.consumer.ExtendVisibility(entry.handle, ext); err != nil {
			log.Warn().Err(err).Str("jobId", entry.jobID).Msg("failed to extend visibility")
		} else {
			extended++
		}
		return true
	})
	if extended > 0 {
		log.Info().Int("count", extended).Msg("extended visibility for long-running messages")
	}
}

func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()
	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.leakDetectionCtx.Done():
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running, initialized := m.running, m.initialized
	m.runningMu.Unlock()
	if !running || !initialized {
		return
	}

	pipelineSize := m.GetPipelineSize()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("pipeline map size (%d) exceeds total pool capacity (%d); possible leak", pipelineSize, totalCapacity)
		log.Warn().Int("pipelineSize", pipelineSize).Int("totalCapacity", totalCapacity).Msg(message)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
}
