package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/common/leader"
	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/model"
)

// Dispatcher delivers one outbox item's worth of payload to its target and
// classifies the outcome. The router's mediator implementation satisfies
// this directly, so the same HTTP mediator instance dispatches both queue
// traffic and outbox items.
type Dispatcher interface {
	Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome
}

// ProcessorConfig holds configuration for the outbox processor
type ProcessorConfig struct {
	// Enabled controls whether the processor is active
	Enabled bool

	// PollInterval is how often to poll for pending items
	PollInterval time.Duration

	// PollBatchSize is the maximum items to fetch per poll
	PollBatchSize int

	// DispatchBatchSize is the maximum items drained per group per round
	DispatchBatchSize int

	// MaxConcurrentGroups limits parallel message group processing
	MaxConcurrentGroups int

	// MaxInFlight is the maximum items in the pipeline (buffer + processing queues)
	// Poller checks this before polling to implement backpressure
	MaxInFlight int

	// MaxRetries is the maximum retry attempts before marking as failed
	MaxRetries int

	// StuckItemTimeoutSeconds is how long an item may sit in PROCESSING
	// before crash recovery resets it back to PENDING.
	StuckItemTimeoutSeconds int

	// LeaderElection enables distributed leader election
	LeaderElection LeaderElectionConfig
}

// LeaderElectionConfig holds leader election settings
type LeaderElectionConfig struct {
	Enabled         bool
	LockName        string
	LeaseDuration   time.Duration
	RefreshInterval time.Duration
	// RedisURL is the Redis connection URL (e.g., "redis://localhost:6379").
	// The processor does not read it; WithRedisLeaderElection uses the
	// client it is given.
	RedisURL string
}

// DefaultLeaderElectionConfig returns sensible defaults for leader election
func DefaultLeaderElectionConfig() LeaderElectionConfig {
	return LeaderElectionConfig{
		Enabled:         false, // Disabled by default (single-instance mode)
		LockName:        "outbox-processor-leader",
		LeaseDuration:   30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:                 true,
		PollInterval:            time.Second,
		PollBatchSize:           500,
		DispatchBatchSize:       100,
		MaxConcurrentGroups:     10,
		MaxInFlight:             2500, // 5x PollBatchSize
		MaxRetries:              3,
		StuckItemTimeoutSeconds: 300,
	}
}

// Processor implements the Outbox Pattern for reliable message publishing.
// Uses a single-poller, status-based architecture with NO row locking
// beyond what the Repository's FetchAndLockPending already does atomically.
//
// Architecture:
//  1. Single poller fetches and locks items WHERE status = PENDING
//  2. Distributor routes items to per-group processors, preserving FIFO
//     order within each message group
//  3. Each group processor hands items to the dispatcher one at a time
//     (in cmd/router, the same HTTP mediator the router's pools deliver
//     queue traffic through), and classifies the outcome through the same
//     MediationOutcome used for queue traffic
//  4. Crash recovery: on startup, items stuck in PROCESSING are reset to
//     PENDING so they are picked up again
type Processor struct {
	config     *ProcessorConfig
	repo       Repository
	dispatcher Dispatcher

	// Global buffer for items waiting to be distributed
	buffer     chan *OutboxItem
	bufferSize int32 // Atomic counter for current buffer occupancy

	// In-flight tracking: buffer + items in message group queues
	inFlightCount int32 // Atomic counter

	// Group distributor
	groupProcessors sync.Map // map[groupKey]*MessageGroupProcessor
	groupSemaphore  chan struct{}

	// Leader election (Redis-based for multi-instance deployments)
	redisLeaderElector *leader.RedisLeaderElector
	mongoLeaderElector *leader.LeaderElector
	isPrimary          atomic.Bool

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // Prevent overlapping polls
}

// NewProcessor creates a new outbox processor
func NewProcessor(repo Repository, dispatcher Dispatcher, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		config:         config,
		repo:           repo,
		dispatcher:     dispatcher,
		buffer:         make(chan *OutboxItem, config.MaxInFlight),
		groupSemaphore: make(chan struct{}, config.MaxConcurrentGroups),
		ctx:            ctx,
		cancel:         cancel,
	}

	// Default to primary if leader election is disabled
	p.isPrimary.Store(true)

	return p
}

// WithRedisLeaderElection enables Redis-based leader election for multi-instance deployments.
// The Redis client is used for distributed lock acquisition.
func (p *Processor) WithRedisLeaderElection(redisClient *redis.Client) *Processor {
	if redisClient == nil || !p.config.LeaderElection.Enabled {
		return p
	}

	cfg := leader.DefaultRedisElectorConfig(p.config.LeaderElection.LockName)
	if p.config.LeaderElection.LeaseDuration > 0 {
		cfg.TTL = p.config.LeaderElection.LeaseDuration
	}
	if p.config.LeaderElection.RefreshInterval > 0 {
		cfg.RefreshInterval = p.config.LeaderElection.RefreshInterval
	}

	p.redisLeaderElector = leader.NewRedisLeaderElector(redisClient, cfg)

	// Set up callbacks to update isPrimary
	p.redisLeaderElector.OnBecomeLeader(func() {
		p.isPrimary.Store(true)
		metrics.OutboxLeaderElectionState.Set(1) // Leader
		log.Info().Msg("Outbox processor became primary via Redis leader election")
	})
	p.redisLeaderElector.OnLoseLeadership(func() {
		p.isPrimary.Store(false)
		metrics.OutboxLeaderElectionState.Set(0) // Follower
		log.Warn().Msg("Outbox processor lost primary status via Redis leader election")
	})

	// Start with non-primary until we acquire leadership
	p.isPrimary.Store(false)

	return p
}

// Start starts the outbox processor
func (p *Processor) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return
	}
	p.running = true

	if !p.config.Enabled {
		log.Info().Msg("Outbox processor is disabled")
		return
	}

	// Perform crash recovery FIRST (reset stuck items from previous run)
	p.doCrashRecovery()

	// Start leader election if configured
	if p.redisLeaderElector != nil {
		if err := p.redisLeaderElector.Start(p.ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start Redis leader election")
		} else {
			log.Info().
				Bool("leaderElectionEnabled", true).
				Str("lockName", p.config.LeaderElection.LockName).
				Msg("Redis leader election started for outbox processor")
		}
	}

	// Start the distributor goroutine
	p.wg.Add(1)
	go p.runDistributor()

	// Start the polling goroutine
	p.wg.Add(1)
	go p.runPoller()

	log.Info().
		Dur("pollInterval", p.config.PollInterval).
		Int("batchSize", p.config.PollBatchSize).
		Int("maxConcurrentGroups", p.config.MaxConcurrentGroups).
		Int("maxInFlight", p.config.MaxInFlight).
		Bool("isPrimary", p.isPrimary.Load()).
		Msg("Outbox processor started")
}

// Stop stops the outbox processor
func (p *Processor) Stop() {
	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()

	// Stop leader election if running
	if p.redisLeaderElector != nil {
		p.redisLeaderElector.Stop()
	}

	log.Info().Msg("Outbox processor stopped")
}

// IsPrimary returns whether this processor is the current leader
func (p *Processor) IsPrimary() bool {
	return p.isPrimary.Load()
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	inFlight := atomic.LoadInt32(&p.inFlightCount)
	return ProcessorStats{
		Status:                "UP",
		Healthy:               p.running && p.isPrimary.Load(),
		LastPollTime:          time.Now(),
		ActiveMessageGroups:   p.countActiveGroups(),
		InFlightPermits:       p.config.MaxInFlight - int(inFlight),
		TotalInFlightCapacity: p.config.MaxInFlight,
		BufferedItems:         int(atomic.LoadInt32(&p.bufferSize)),
	}
}

// countActiveGroups counts active message group processors
func (p *Processor) countActiveGroups() int {
	count := 0
	p.groupProcessors.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// doCrashRecovery resets items stuck in PROCESSING back to PENDING.
// This is called on startup to recover from crashes/restarts.
func (p *Processor) doCrashRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, itemType := range []OutboxItemType{OutboxItemTypeEvent, OutboxItemTypeDispatchJob} {
		count, err := p.repo.RecoverStuckItems(ctx, itemType, p.config.StuckItemTimeoutSeconds)
		if err != nil {
			log.Error().Err(err).
				Str("type", string(itemType)).
				Msg("Failed to recover stuck items during crash recovery")
			continue
		}
		if count == 0 {
			continue
		}

		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(count))
		log.Info().
			Str("type", string(itemType)).
			Int64("count", count).
			Msg("Reset stuck outbox items during crash recovery")
	}
}

// runPoller runs the main polling loop
func (p *Processor) runPoller() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary.Load() {
				continue
			}
			p.doPoll()
		}
	}
}

// doPoll performs a single poll iteration
func (p *Processor) doPoll() {
	// Prevent overlapping polls
	if !p.pollMu.TryLock() {
		return
	}
	defer p.pollMu.Unlock()

	// Check if there's sufficient capacity BEFORE polling
	currentInFlight := atomic.LoadInt32(&p.inFlightCount)
	availableSlots := p.config.MaxInFlight - int(currentInFlight)

	if availableSlots < p.config.PollBatchSize {
		log.Debug().
			Int("availableSlots", availableSlots).
			Int("pollBatchSize", p.config.PollBatchSize).
			Msg("Skipping poll - insufficient in-flight capacity")
		return
	}

	startTime := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(startTime).Seconds())
	}()

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	p.pollItemType(ctx, OutboxItemTypeEvent)
	p.pollItemType(ctx, OutboxItemTypeDispatchJob)
}

// pollItemType polls for items of a specific type
func (p *Processor) pollItemType(ctx context.Context, itemType OutboxItemType) {
	// FetchAndLockPending atomically fetches AND marks items as PROCESSING,
	// so there is no separate lock step here.
	items, err := p.repo.FetchAndLockPending(ctx, itemType, p.config.PollBatchSize)
	if err != nil {
		log.Error().Err(err).
			Str("type", string(itemType)).
			Msg("Failed to fetch pending outbox items")
		return
	}

	if len(items) == 0 {
		return
	}

	atomic.AddInt32(&p.inFlightCount, int32(len(items)))
	metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&p.inFlightCount)))

	log.Debug().
		Str("type", string(itemType)).
		Int("count", len(items)).
		Msg("Fetched and locked outbox items")

	for _, item := range items {
		select {
		case p.buffer <- item:
			atomic.AddInt32(&p.bufferSize, 1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.bufferSize)))
		case <-ctx.Done():
			// Context cancelled, items are already marked PROCESSING.
			// They will be recovered on next startup.
			return
		}
	}
}

// runDistributor runs the distributor loop that routes items to group processors
func (p *Processor) runDistributor() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainBuffer()
			return
		case item := <-p.buffer:
			atomic.AddInt32(&p.bufferSize, -1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.bufferSize)))
			p.distributeItem(item)
		}
	}
}

// distributeItem routes an item to the appropriate message group processor
func (p *Processor) distributeItem(item *OutboxItem) {
	groupKey := fmt.Sprintf("%s:%s", item.Type, item.GetEffectiveMessageGroup())

	processorI, _ := p.groupProcessors.LoadOrStore(groupKey, &MessageGroupProcessor{
		groupKey:  groupKey,
		itemType:  item.Type,
		queue:     make(chan *OutboxItem, 1000),
		processor: p,
	})
	processor := processorI.(*MessageGroupProcessor)

	select {
	case processor.queue <- item:
		processor.tryStart()
	default:
		log.Warn().
			Str("group", groupKey).
			Str("itemId", item.ID).
			Msg("Group queue full")
	}
}

// drainBuffer drains remaining items from the buffer during shutdown
func (p *Processor) drainBuffer() {
	for {
		select {
		case item := <-p.buffer:
			log.Debug().
				Str("itemId", item.ID).
				Msg("Draining item during shutdown - will be recovered on restart")
		default:
			return
		}
	}
}

// MessageGroupProcessor processes items for a single message group in FIFO order
type MessageGroupProcessor struct {
	groupKey   string
	itemType   OutboxItemType
	queue      chan *OutboxItem
	processor  *Processor
	processing bool
	mu         sync.Mutex
}

// tryStart attempts to start processing if not already running
func (m *MessageGroupProcessor) tryStart() {
	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return
	}
	m.processing = true
	m.mu.Unlock()

	go m.processLoop()
}

// processLoop processes items in the group queue
func (m *MessageGroupProcessor) processLoop() {
	defer func() {
		m.mu.Lock()
		m.processing = false
		m.mu.Unlock()
	}()

	for {
		batch := m.collectBatch()
		if len(batch) == 0 {
			return
		}

		select {
		case m.processor.groupSemaphore <- struct{}{}:
		case <-m.processor.ctx.Done():
			return
		}

		m.processBatch(batch)

		<-m.processor.groupSemaphore
	}
}

// collectBatch collects up to DispatchBatchSize items from the queue
func (m *MessageGroupProcessor) collectBatch() []*OutboxItem {
	batch := make([]*OutboxItem, 0, m.processor.config.DispatchBatchSize)

	for i := 0; i < m.processor.config.DispatchBatchSize; i++ {
		select {
		case item := <-m.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}

	return batch
}

// processBatch dispatches each item in FIFO order through the same
// mediator path queue traffic uses, and updates item status from the
// resulting MediationOutcome.
func (m *MessageGroupProcessor) processBatch(batch []*OutboxItem) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(m.processor.ctx, 30*time.Second)
	defer cancel()

	metrics.OutboxActiveProcessors.Inc()
	defer metrics.OutboxActiveProcessors.Dec()

	var successIDs, retryIDs []string

	for _, item := range batch {
		dispatchStart := time.Now()
		outcome := m.processor.dispatcher.Process(ctx, toMessagePointer(item, m.processor.config.MaxRetries))
		metrics.OutboxAPIDuration.WithLabelValues(string(m.itemType)).Observe(time.Since(dispatchStart).Seconds())

		switch outcome.Kind {
		case model.MediationSuccess:
			successIDs = append(successIDs, item.ID)
		case model.MediationErrorProcess, model.MediationErrorConnection:
			if item.RetryCount < m.processor.config.MaxRetries {
				retryIDs = append(retryIDs, item.ID)
			} else {
				m.markFailed(ctx, item, outcome)
			}
		default:
			m.markFailed(ctx, item, outcome)
		}
	}

	atomic.AddInt32(&m.processor.inFlightCount, -int32(len(batch)))
	metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&m.processor.inFlightCount)))

	if len(successIDs) > 0 {
		if err := m.processor.repo.MarkCompleted(ctx, m.itemType, successIDs); err != nil {
			log.Error().Err(err).Msg("Failed to mark items as completed")
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(m.itemType), "completed").Add(float64(len(successIDs)))
	}

	if len(retryIDs) > 0 {
		if err := m.processor.repo.ScheduleRetry(ctx, m.itemType, retryIDs); err != nil {
			log.Error().Err(err).Msg("Failed to schedule retry")
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(m.itemType), "retried").Add(float64(len(retryIDs)))
	}

	log.Debug().
		Str("group", m.groupKey).
		Int("success", len(successIDs)).
		Int("retried", len(retryIDs)).
		Msg("Batch processed")
}

func (m *MessageGroupProcessor) markFailed(ctx context.Context, item *OutboxItem, outcome *model.MediationOutcome) {
	errMsg := "mediation failed"
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	if err := m.processor.repo.MarkFailed(ctx, m.itemType, []string{item.ID}, errMsg); err != nil {
		log.Error().Err(err).Str("itemId", item.ID).Msg("Failed to mark item as failed")
	}
	metrics.OutboxItemsProcessed.WithLabelValues(string(m.itemType), "failed").Add(1)
	log.Warn().
		Str("group", m.groupKey).
		Str("itemId", item.ID).
		Str("error", errMsg).
		Msg("Item marked as failed")
}

// toMessagePointer builds the same wire struct the router's queue consumer
// hands to RouteMessageBatch (as QueuedMessage.Pointer), so outbox items
// and queue traffic share one dispatch path.
func toMessagePointer(item *OutboxItem, maxRetries int) *model.MessagePointer {
	contentType := item.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return &model.MessagePointer{
		JobID:          item.ID,
		DispatchPoolID: item.DispatchPoolID,
		MessageGroup:   item.GetEffectiveMessageGroup(),
		TargetURL:      item.TargetURL,
		Headers:        item.Headers,
		Payload:        item.Payload,
		ContentType:    contentType,
		MaxRetries:     maxRetries,
		AttemptNumber:  item.RetryCount + 1,
		MediationType:  model.MediationTypeHTTP,
	}
}
