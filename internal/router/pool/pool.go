// Package pool implements the per-pool concurrency gate, rate limiter, and
// per-group FIFO dispatch described by the router's processing pool
// component: two gates acquired in order (rate limiter, then concurrency
// semaphore), and one worker goroutine per active message group enforcing
// strict head-of-queue ordering within that group.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/model"
)

// ErrorMode controls what a group worker does after a retryable mediation
// failure.
type ErrorMode int

const (
	// NextOnError continues with the next queued message after nacking the
	// failed one. This is the default.
	NextOnError ErrorMode = iota
	// BlockOnError transitions the worker to Blocked, holding the head
	// message until an operator unblocks or skips it.
	BlockOnError
)

// WorkerState is the lifecycle state of one group worker.
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateRunning
	StateBlocked
	StatePaused
)

// MessageCallback is how a pool reports the outcome of a message back to
// its owner (the manager), without the pool needing to know about queue
// drivers, receipt handles, or dedup bookkeeping.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer, delay *time.Duration)
}

// MessagePointer is the unit of work submitted to a pool: a wire message
// plus the callback hooks needed to resolve it.
type MessagePointer struct {
	Message  model.MessagePointer
	Callback MessageCallback

	// GroupID is resolved once at submission time so the pool never has to
	// re-derive it.
	GroupID string
}

// Mediator delivers one message and reports the outcome. Implemented by
// internal/router/mediator.HTTPMediator.
type Mediator interface {
	Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome
}

// HealthRecorder receives one mediation outcome per message so the health
// service can compute a rolling success rate per pool. health.Service
// satisfies this.
type HealthRecorder interface {
	RecordPoolResult(poolCode string, success bool)
}

// Config configures a Pool.
type Config struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute *int
	QueueCapacity      int
	DefaultBackoff     time.Duration
	GroupIdleTimeout   time.Duration
	ErrorMode          ErrorMode
}

// DefaultQueueCapacity is used when Config.QueueCapacity is unset.
const DefaultQueueCapacity = 500

// DefaultBackoff is used when Config.DefaultBackoff is unset.
const DefaultBackoff = 5 * time.Second

// DefaultGroupIdleTimeout is how long an empty group worker survives before
// being reaped.
const DefaultGroupIdleTimeout = 2 * time.Minute

// ErrQueueFull is returned by Submit when the target group's queue is at
// capacity; the caller (the manager) is expected to nack the message rather
// than retry locally.
var ErrQueueFull = errors.New("pool: group queue full")

// ErrDraining is returned by Submit once Drain has been called.
var ErrDraining = errors.New("pool: draining")

// sampleOutcome classifies one duration sample for windowed stats.
type sampleOutcome int

const (
	sampleSuccess sampleOutcome = iota
	sampleFailure
	sampleRateLimited
)

// durationSample is one entry in a pool's percentile deque.
type durationSample struct {
	at         time.Time
	durationMs float64
	outcome    sampleOutcome
}

// sampleRetention is how far back a pool's percentile deque keeps samples;
// WindowStats queries then filter the retained set down to the requested
// window (5 min or 30 min).
const sampleRetention = 30 * time.Minute

// WindowStats summarizes one percentile window's worth of a pool's
// duration samples.
type WindowStats struct {
	Count            int
	SuccessCount     int
	FailureCount     int
	RateLimitedCount int
	ThroughputPerSec float64
	P50Ms            float64
	P95Ms            float64
	P99Ms            float64
}

// Pool gates admission for one pool_code: a token-bucket rate limiter
// (absent when uncapped), a concurrency semaphore, and a table of group
// workers providing strict per-group FIFO.
type Pool struct {
	cfg      Config
	mediator Mediator

	// limiter and sem are swapped wholesale by UpdateRateLimit/
	// UpdateConcurrency rather than mutated in place; in-flight permits on
	// a replaced semaphore simply drain against the old channel, which is
	// never reused once replaced.
	limiterMu sync.RWMutex
	limiter   *rate.Limiter

	semMu sync.RWMutex
	sem   chan struct{}

	mu       sync.Mutex
	groups   map[string]*groupWorker
	draining bool
	stopped  bool

	samplesMu sync.Mutex
	samples   []durationSample

	healthRecorder HealthRecorder

	wg sync.WaitGroup
}

// New constructs a pool bound to mediator, applying defaults for any unset
// Config fields.
func New(cfg Config, mediator Mediator) *Pool {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = DefaultBackoff
	}
	if cfg.GroupIdleTimeout <= 0 {
		cfg.GroupIdleTimeout = DefaultGroupIdleTimeout
	}

	p := &Pool{
		cfg:    cfg,
		mediator: mediator,
		sem:    make(chan struct{}, cfg.Concurrency),
		groups: make(map[string]*groupWorker),
	}
	if cfg.RateLimitPerMinute != nil && *cfg.RateLimitPerMinute > 0 {
		perSecond := float64(*cfg.RateLimitPerMinute) / 60.0
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, *cfg.RateLimitPerMinute/60))
	}
	return p
}

// WithHealthRecorder attaches the health service this pool reports
// per-message outcomes to; nil (the default) disables reporting.
func (p *Pool) WithHealthRecorder(hr HealthRecorder) *Pool {
	p.healthRecorder = hr
	return p
}

// Code returns the pool's pool_code.
func (p *Pool) Code() string { return p.cfg.Code }

// IsRateLimited reports whether an immediate rate-limit token is NOT
// available right now; the manager checks this before handing a whole
// batch to the pool so it can nack the batch instead of trickling
// rate-limit rejections one at a time.
func (p *Pool) IsRateLimited() bool {
	lim := p.currentLimiter()
	if lim == nil {
		return false
	}
	return lim.Tokens() < 1
}

// HasCapacity reports whether the pool looks able to absorb n more
// in-flight messages right now (best-effort; used for batch-level
// back-pressure, not a hard guarantee given concurrent submitters).
func (p *Pool) HasCapacity(n int) bool {
	sem := p.currentSem()
	return len(sem)+n <= cap(sem)*4 // generous: semaphore backs up via group queues too
}

// GetConcurrency returns the pool's currently configured concurrency.
func (p *Pool) GetConcurrency() int {
	return cap(p.currentSem())
}

// GetQueueCapacity returns the per-group queue capacity new group workers
// are created with.
func (p *Pool) GetQueueCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.QueueCapacity
}

// UpdateConcurrency replaces the concurrency semaphore with one of the new
// size. drainSeconds is accepted for call-site compatibility with the
// config-sync caller but is otherwise advisory: in-flight permits continue
// to drain against the old semaphore until their holders release them: the
// old channel is simply abandoned once replaced.
func (p *Pool) UpdateConcurrency(n int, drainSeconds int) {
	if n <= 0 {
		return
	}
	p.semMu.Lock()
	p.sem = make(chan struct{}, n)
	p.semMu.Unlock()
}

// UpdateRateLimit replaces the token-bucket limiter. A nil or non-positive
// perMinute removes the cap entirely.
func (p *Pool) UpdateRateLimit(perMinute *int) {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	if perMinute == nil || *perMinute <= 0 {
		p.limiter = nil
		return
	}
	perSecond := float64(*perMinute) / 60.0
	p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, *perMinute/60))
}

func (p *Pool) currentLimiter() *rate.Limiter {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.limiter
}

func (p *Pool) currentSem() chan struct{} {
	p.semMu.RLock()
	defer p.semMu.RUnlock()
	return p.sem
}

// Submit enqueues msg onto its group's worker, creating the worker lazily
// on first use. Returns ErrQueueFull if the group's queue is at capacity,
// or ErrDraining once Drain has been called.
func (p *Pool) Submit(msg *MessagePointer) error {
	p.mu.Lock()
	if p.draining || p.stopped {
		p.mu.Unlock()
		return ErrDraining
	}
	gw, ok := p.groups[msg.GroupID]
	if !ok {
		gw = newGroupWorker(p, msg.GroupID)
		p.groups[msg.GroupID] = gw
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			gw.run()
		}()
	}
	p.mu.Unlock()

	select {
	case gw.queue <- msg:
		metrics.PoolMessageGroupCount.WithLabelValues(p.cfg.Code).Set(float64(p.groupCount()))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) groupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

// GroupCount returns the number of active message groups in the pool.
func (p *Pool) GroupCount() int { return p.groupCount() }

// Drain stops accepting new submissions but lets existing group queues
// finish; callers poll group state or simply call Shutdown after an
// expected grace period, matching the manager's existing drain-then-
// shutdown pattern for removed pools.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

// Shutdown stops all group workers and waits for them to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.stopped = true
	groups := make([]*groupWorker, 0, len(p.groups))
	for _, gw := range p.groups {
		groups = append(groups, gw)
	}
	p.mu.Unlock()

	for _, gw := range groups {
		close(gw.stop)
	}
	p.wg.Wait()
}

// reapIfIdle removes a group worker once its queue is empty and it has been
// idle past GroupIdleTimeout; called by the worker loop itself under the
// pool lock so creation and reaping never race.
func (p *Pool) reapIfIdle(groupID string, gw *groupWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(gw.queue) == 0 && current(p.groups, groupID) == gw {
		delete(p.groups, groupID)
	}
}

func current(m map[string]*groupWorker, k string) *groupWorker {
	return m[k]
}

// recordSample appends one duration sample and prunes anything older than
// sampleRetention, the longest window any caller queries.
func (p *Pool) recordSample(durationMs float64, outcome sampleOutcome) {
	p.samplesMu.Lock()
	defer p.samplesMu.Unlock()
	p.samples = append(p.samples, durationSample{at: time.Now(), durationMs: durationMs, outcome: outcome})
	cutoff := time.Now().Add(-sampleRetention)
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.samples = p.samples[i:]
	}
}

// windowStats filters the retained sample deque down to window and
// computes outcome counts, throughput, and duration percentiles over it.
func (p *Pool) windowStats(window time.Duration) WindowStats {
	p.samplesMu.Lock()
	samples := make([]durationSample, len(p.samples))
	copy(samples, p.samples)
	p.samplesMu.Unlock()

	cutoff := time.Now().Add(-window)
	var stats WindowStats
	durations := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		stats.Count++
		switch s.outcome {
		case sampleSuccess:
			stats.SuccessCount++
			durations = append(durations, s.durationMs)
		case sampleFailure:
			stats.FailureCount++
			durations = append(durations, s.durationMs)
		case sampleRateLimited:
			stats.RateLimitedCount++
		}
	}
	if window > 0 {
		stats.ThroughputPerSec = float64(stats.Count) / window.Seconds()
	}
	sort.Float64s(durations)
	stats.P50Ms = percentileOf(durations, 0.50)
	stats.P95Ms = percentileOf(durations, 0.95)
	stats.P99Ms = percentileOf(durations, 0.99)
	return stats
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// shortWindow and longWindow are the two percentile windows Stats reports,
// matching the 5-min/30-min split operators read off the monitoring API.
const (
	shortWindow = 5 * time.Minute
	longWindow  = sampleRetention
)

// Stats returns this pool's percentile/throughput/outcome-count stats over
// the short (5 min) and long (30 min) windows.
func (p *Pool) Stats() (short, long WindowStats) {
	return p.windowStats(shortWindow), p.windowStats(longWindow)
}

// groupWorker drains one message group's queue head-first, acquiring the
// pool's gates for every message and reporting the mediation outcome back
// through the message's callback.
type groupWorker struct {
	pool    *Pool
	groupID string
	queue   chan *MessagePointer
	stop    chan struct{}

	mu        sync.Mutex
	state     WorkerState
	blockedOn *MessagePointer
}

func newGroupWorker(p *Pool, groupID string) *groupWorker {
	return &groupWorker{
		pool:    p,
		groupID: groupID,
		queue:   make(chan *MessagePointer, p.cfg.QueueCapacity),
		stop:    make(chan struct{}),
		state:   StateIdle,
	}
}

func (gw *groupWorker) run() {
	idle := time.NewTimer(gw.pool.cfg.GroupIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-gw.stop:
			return
		case msg, ok := <-gw.queue:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			gw.process(msg)
			idle.Reset(gw.pool.cfg.GroupIdleTimeout)
		case <-idle.C:
			gw.pool.reapIfIdle(gw.groupID, gw)
			idle.Reset(gw.pool.cfg.GroupIdleTimeout)
		}
	}
}

func (gw *groupWorker) process(msg *MessagePointer) {
	gw.mu.Lock()
	if gw.state == StateBlocked {
		gw.mu.Unlock()
		// An operator must unblock before this worker processes anything
		// else; requeue is not attempted automatically.
		return
	}
	gw.state = StateRunning
	gw.mu.Unlock()

	if lim := gw.pool.currentLimiter(); lim != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := lim.Wait(ctx)
		cancel()
		if err != nil {
			metrics.PoolRateLimitRejections.WithLabelValues(gw.pool.cfg.Code).Inc()
			metrics.PoolMessagesProcessed.WithLabelValues(gw.pool.cfg.Code, "rate_limited").Inc()
			gw.pool.recordSample(0, sampleRateLimited)
			delay := 2 * time.Second
			msg.Callback.Nack(msg, &delay)
			gw.setIdle()
			return
		}
	}

	sem := gw.pool.currentSem()
	select {
	case sem <- struct{}{}:
	case <-gw.stop:
		return
	}
	defer func() { <-sem }()

	metrics.PoolActiveWorkers.WithLabelValues(gw.pool.cfg.Code).Inc()
	start := time.Now()
	outcome := gw.pool.mediator.Process(context.Background(), &msg.Message)
	durationMs := float64(time.Since(start).Milliseconds())
	metrics.PoolProcessingDuration.WithLabelValues(gw.pool.cfg.Code).Observe(time.Since(start).Seconds())
	metrics.PoolActiveWorkers.WithLabelValues(gw.pool.cfg.Code).Dec()

	switch outcome.Kind {
	case model.MediationSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(gw.pool.cfg.Code, "success").Inc()
		gw.pool.recordSample(durationMs, sampleSuccess)
		if gw.pool.healthRecorder != nil {
			gw.pool.healthRecorder.RecordPoolResult(gw.pool.cfg.Code, true)
		}
		msg.Callback.Ack(msg)
		gw.setIdle()
	case model.MediationErrorConfig:
		metrics.PoolMessagesProcessed.WithLabelValues(gw.pool.cfg.Code, "failed").Inc()
		gw.pool.recordSample(durationMs, sampleFailure)
		if gw.pool.healthRecorder != nil {
			gw.pool.healthRecorder.RecordPoolResult(gw.pool.cfg.Code, false)
		}
		msg.Callback.Ack(msg) // non-retryable: drop
		gw.setIdle()
	case model.MediationErrorProcess, model.MediationErrorConnection:
		metrics.PoolMessagesProcessed.WithLabelValues(gw.pool.cfg.Code, "failed").Inc()
		gw.pool.recordSample(durationMs, sampleFailure)
		if gw.pool.healthRecorder != nil {
			gw.pool.healthRecorder.RecordPoolResult(gw.pool.cfg.Code, false)
		}
		delay := gw.pool.cfg.DefaultBackoff
		if outcome.DelaySeconds != nil {
			delay = time.Duration(*outcome.DelaySeconds) * time.Second
		}
		msg.Callback.Nack(msg, &delay)
		if gw.pool.cfg.ErrorMode == BlockOnError {
			gw.mu.Lock()
			gw.state = StateBlocked
			gw.blockedOn = msg
			gw.mu.Unlock()
			log.Warn().Str("pool", gw.pool.cfg.Code).Str("group", gw.groupID).Msg("group worker blocked on error")
			return
		}
		gw.setIdle()
	}
}

func (gw *groupWorker) setIdle() {
	gw.mu.Lock()
	gw.state = StateIdle
	gw.mu.Unlock()
}

// Unblock clears a Blocked state and pushes the held message, which was
// already nacked when the worker blocked, back onto the tail of the
// group's queue (it is not requeued if the queue is full).
func (gw *groupWorker) Unblock() {
	gw.mu.Lock()
	gw.state = StateIdle
	held := gw.blockedOn
	gw.blockedOn = nil
	gw.mu.Unlock()
	if held != nil {
		select {
		case gw.queue <- held:
		default:
		}
	}
}

// State returns the worker's current lifecycle state.
func (gw *groupWorker) State() WorkerState {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state
}
