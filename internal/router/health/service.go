package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/router/warning"
)

// Status is the overall system health classification GetHealthReport
// derives from pool, consumer, and warning state.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusWarning  Status = "WARNING"
	StatusDegraded Status = "DEGRADED"
)

// ServiceConfig controls the thresholds and windows Service uses to
// classify pool and consumer health.
type ServiceConfig struct {
	// HealthyThreshold is the minimum rolling success rate a pool needs to
	// count as healthy.
	HealthyThreshold float64
	// WarningThreshold is carried alongside HealthyThreshold, but
	// GetHealthReport does not read it: a pool below HealthyThreshold
	// counts as unhealthy whatever its rate.
	WarningThreshold float64
	// RollingWindow bounds how far back pool success/failure events count.
	RollingWindow time.Duration
	// WarningAgeMinutes bounds how far back an unacknowledged warning
	// still counts as "active" for the rollup.
	WarningAgeMinutes int
	// ConsumerStallThreshold is how long a running consumer can go
	// without polling before it's considered stalled.
	ConsumerStallThreshold time.Duration
}

// DefaultServiceConfig matches the router's original threshold defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HealthyThreshold:       0.90,
		WarningThreshold:       0.70,
		RollingWindow:          30 * time.Minute,
		WarningAgeMinutes:      30,
		ConsumerStallThreshold: 60 * time.Second,
	}
}

// rollingCounter is a prune-on-access window of (timestamp, success)
// events used to compute a recent success rate.
type rollingCounter struct {
	window time.Duration

	mu     sync.Mutex
	events []rollingEvent
}

type rollingEvent struct {
	at      time.Time
	success bool
}

func newRollingCounter(window time.Duration) *rollingCounter {
	return &rollingCounter{window: window}
}

func (c *rollingCounter) record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, rollingEvent{at: time.Now(), success: success})
	c.pruneLocked()
}

func (c *rollingCounter) pruneLocked() {
	cutoff := time.Now().Add(-c.window)
	i := 0
	for i < len(c.events) && c.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = c.events[i:]
	}
}

// successRate reports the recent success rate and whether any events fall
// within the window at all.
func (c *rollingCounter) successRate() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if len(c.events) == 0 {
		return 0, false
	}
	successes := 0
	for _, e := range c.events {
		if e.success {
			successes++
		}
	}
	return float64(successes) / float64(len(c.events)), true
}

// PoolStats is the subset of a pool's identity GetHealthReport needs to
// look up its rolling success rate; callers (the manager/api layer) attach
// richer per-pool figures for their own responses.
type PoolStats struct {
	PoolCode string
}

// ConsumerHealth reports one consumer's poll recency.
type ConsumerHealth struct {
	QueueIdentifier     string `json:"queueIdentifier"`
	IsHealthy           bool   `json:"isHealthy"`
	IsRunning           bool   `json:"isRunning"`
	TimeSinceLastPollMs *int64 `json:"timeSinceLastPollMs"`
}

// HealthReport is the overall system-health rollup returned by
// GetHealthReport.
type HealthReport struct {
	Status              Status   `json:"status"`
	PoolsHealthy        int      `json:"poolsHealthy"`
	PoolsUnhealthy      int      `json:"poolsUnhealthy"`
	ConsumersHealthy    int      `json:"consumersHealthy"`
	ConsumersUnhealthy  int      `json:"consumersUnhealthy"`
	ActiveWarnings      int      `json:"activeWarnings"`
	CriticalWarnings    int      `json:"criticalWarnings"`
	Issues              []string `json:"issues"`
}

// Service tracks per-pool rolling success rates and per-consumer poll
// activity, and rolls both up (together with the warning store) into one
// overall health report. Satisfies pool.HealthRecorder.
type Service struct {
	cfg      ServiceConfig
	warnings warning.Service

	poolMu       sync.Mutex
	poolCounters map[string]*rollingCounter

	consumerMu      sync.Mutex
	consumerLastPoll map[string]time.Time
	consumerRunning  map[string]bool
}

// NewService constructs a Service bound to warnings for the active-warning
// and critical-warning counts folded into GetHealthReport.
func NewService(cfg ServiceConfig, warnings warning.Service) *Service {
	return &Service{
		cfg:              cfg,
		warnings:         warnings,
		poolCounters:     make(map[string]*rollingCounter),
		consumerLastPoll: make(map[string]time.Time),
		consumerRunning:  make(map[string]bool),
	}
}

// RecordPoolResult records one mediation outcome for pool_code. Satisfies
// pool.HealthRecorder.
func (s *Service) RecordPoolResult(poolCode string, success bool) {
	s.poolMu.Lock()
	counter, ok := s.poolCounters[poolCode]
	if !ok {
		counter = newRollingCounter(s.cfg.RollingWindow)
		s.poolCounters[poolCode] = counter
	}
	s.poolMu.Unlock()
	counter.record(success)
}

// GetPoolSuccessRate returns the rolling success rate for poolCode, or
// false if nothing has been recorded for it within the window yet.
func (s *Service) GetPoolSuccessRate(poolCode string) (float64, bool) {
	s.poolMu.Lock()
	counter, ok := s.poolCounters[poolCode]
	s.poolMu.Unlock()
	if !ok {
		return 0, false
	}
	return counter.successRate()
}

// RecordConsumerPoll marks consumerID as having just polled successfully.
func (s *Service) RecordConsumerPoll(consumerID string) {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()
	s.consumerLastPoll[consumerID] = time.Now()
}

// SetConsumerRunning records whether consumerID's poll loop is currently
// running at all, distinct from whether it's stalled.
func (s *Service) SetConsumerRunning(consumerID string, running bool) {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()
	s.consumerRunning[consumerID] = running
}

// IsConsumerHealthy reports whether consumerID is running and has polled
// within the stall threshold.
func (s *Service) IsConsumerHealthy(consumerID string) bool {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()
	if !s.consumerRunning[consumerID] {
		return false
	}
	last, ok := s.consumerLastPoll[consumerID]
	if !ok {
		return false
	}
	return time.Since(last) < s.cfg.ConsumerStallThreshold
}

// GetConsumerHealth returns a detailed health snapshot for consumerID.
func (s *Service) GetConsumerHealth(consumerID string) ConsumerHealth {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()

	running := s.consumerRunning[consumerID]
	last, hasPolled := s.consumerLastPoll[consumerID]

	var sinceMs *int64
	isHealthy := false
	if hasPolled {
		elapsed := time.Since(last)
		ms := elapsed.Milliseconds()
		sinceMs = &ms
		isHealthy = running && elapsed < s.cfg.ConsumerStallThreshold
	}

	return ConsumerHealth{
		QueueIdentifier:     consumerID,
		IsHealthy:           isHealthy,
		IsRunning:           running,
		TimeSinceLastPollMs: sinceMs,
	}
}

// GetStalledConsumers returns the IDs of every running consumer that
// hasn't polled within the stall threshold; the lifecycle supervisor logs
// these every health-report tick.
func (s *Service) GetStalledConsumers() []string {
	s.consumerMu.Lock()
	defer s.consumerMu.Unlock()

	var stalled []string
	for id, running := range s.consumerRunning {
		if !running {
			continue
		}
		last, ok := s.consumerLastPoll[id]
		if !ok || time.Since(last) >= s.cfg.ConsumerStallThreshold {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// GetHealthReport rolls pool success rates, consumer stall detection, and
// the warning store up into one overall status. A pool with no samples
// yet counts as healthy; status is Degraded if there are critical
// warnings, or every known pool is unhealthy, or every known consumer is
// unhealthy; Warning if anything is unhealthy or there are active
// warnings; Healthy otherwise.
func (s *Service) GetHealthReport(poolStats []PoolStats) HealthReport {
	var issues []string

	poolsHealthy, poolsUnhealthy := 0, 0
	for _, stat := range poolStats {
		rate, ok := s.GetPoolSuccessRate(stat.PoolCode)
		switch {
		case !ok:
			poolsHealthy++
		case rate >= s.cfg.HealthyThreshold:
			poolsHealthy++
		default:
			poolsUnhealthy++
			issues = append(issues, fmtPoolIssue(stat.PoolCode, rate))
		}
	}

	s.consumerMu.Lock()
	consumersTotal := len(s.consumerRunning)
	s.consumerMu.Unlock()
	stalled := s.GetStalledConsumers()
	consumersUnhealthy := len(stalled)
	consumersHealthy := consumersTotal - consumersUnhealthy
	if consumersHealthy < 0 {
		consumersHealthy = 0
	}
	for _, id := range stalled {
		issues = append(issues, "Consumer "+id+" is stalled")
	}

	var activeWarnings, criticalWarnings int
	if s.warnings != nil {
		activeWarnings = countRecentWarnings(s.warnings.GetUnacknowledgedWarnings(), s.cfg.WarningAgeMinutes)
		criticalWarnings = s.warnings.CriticalCount()
	}
	if criticalWarnings > 0 {
		issues = append(issues, fmtCriticalIssue(criticalWarnings))
	}

	status := StatusHealthy
	switch {
	case criticalWarnings > 0 || (poolsUnhealthy > 0 && poolsHealthy == 0) || (consumersUnhealthy > 0 && consumersHealthy == 0):
		status = StatusDegraded
	case poolsUnhealthy > 0 || consumersUnhealthy > 0 || activeWarnings > 0:
		status = StatusWarning
	}

	if status != StatusHealthy {
		log.Debug().
			Str("status", string(status)).
			Int("poolsHealthy", poolsHealthy).
			Int("poolsUnhealthy", poolsUnhealthy).
			Int("consumersHealthy", consumersHealthy).
			Int("consumersUnhealthy", consumersUnhealthy).
			Int("activeWarnings", activeWarnings).
			Msg("health report generated")
	}

	return HealthReport{
		Status:              status,
		PoolsHealthy:        poolsHealthy,
		PoolsUnhealthy:      poolsUnhealthy,
		ConsumersHealthy:    consumersHealthy,
		ConsumersUnhealthy:  consumersUnhealthy,
		ActiveWarnings:      activeWarnings,
		CriticalWarnings:    criticalWarnings,
		Issues:              issues,
	}
}

// IsHealthy reports whether GetHealthReport's overall status is Healthy.
func (s *Service) IsHealthy(poolStats []PoolStats) bool {
	return s.GetHealthReport(poolStats).Status == StatusHealthy
}

// Cleanup runs the warning store's age-based eviction (WarningAgeMinutes,
// rounded up to whole hours) and logs any currently stalled consumers;
// called on the lifecycle supervisor's health-report tick.
func (s *Service) Cleanup() {
	if s.warnings != nil {
		s.warnings.ClearOldWarnings((s.cfg.WarningAgeMinutes + 59) / 60)
	}
	if stalled := s.GetStalledConsumers(); len(stalled) > 0 {
		log.Warn().Int("count", len(stalled)).Strs("consumers", stalled).Msg("detected stalled consumers")
	}
}

func countRecentWarnings(warnings []*warning.Warning, maxAgeMinutes int) int {
	if maxAgeMinutes <= 0 {
		return len(warnings)
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	n := 0
	for _, w := range warnings {
		if w.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func fmtPoolIssue(poolCode string, rate float64) string {
	return fmt.Sprintf("Pool %s success rate: %.1f%%", poolCode, rate*100)
}

func fmtCriticalIssue(count int) string {
	return fmt.Sprintf("%d critical warnings", count)
}
