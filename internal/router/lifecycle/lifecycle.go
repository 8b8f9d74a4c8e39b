// Package lifecycle is the composition root for everything cmd/router
// needs running in the background besides message routing itself: the
// standby leader election, periodic warning-store cleanup, and periodic
// health-report logging. The routing loops (pipeline cleanup, visibility
// extension, leak detection, consumer health) live on
// manager.QueueManager/Router directly and config sync on
// configsync.Client; this package only owns the pieces that sit above them.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
)

// Config controls the supervisor's own periodic tasks.
type Config struct {
	WarningCleanupInterval  time.Duration
	WarningCleanupMaxAgeHrs int
	HealthReportInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarningCleanupInterval:  5 * time.Minute,
		WarningCleanupMaxAgeHrs: 24,
		HealthReportInterval:    60 * time.Second,
	}
}

// Supervisor starts and stops the router's full set of background
// concerns as one unit: the message router, standby election, warning
// cleanup, and periodic health reporting.
type Supervisor struct {
	router  *manager.Router
	standby *standby.Checker
	warning warning.Service
	broker  *health.BrokerHealthService
	health  *health.Service
	cfg     Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(router *manager.Router, standbyChecker *standby.Checker, warningService warning.Service, broker *health.BrokerHealthService, healthService *health.Service, cfg Config) *Supervisor {
	return &Supervisor{router: router, standby: standbyChecker, warning: warningService, broker: broker, health: healthService, cfg: cfg}
}

// Start brings up standby election, the message router, and this
// supervisor's own maintenance tickers.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.standby != nil {
		if err := s.standby.Start(ctx); err != nil {
			return err
		}
	}
	s.router.Start()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.warning != nil && s.cfg.WarningCleanupInterval > 0 {
		s.wg.Add(1)
		go s.runWarningCleanup(ctx)
	}
	if s.broker != nil && s.cfg.HealthReportInterval > 0 {
		s.wg.Add(1)
		go s.runHealthReport(ctx)
	}

	log.Info().Msg("router lifecycle supervisor started")
	return nil
}

// Stop tears everything down in reverse order.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	s.router.Stop()
	if s.standby != nil {
		s.standby.Stop()
	}
	log.Info().Msg("router lifecycle supervisor stopped")
}

func (s *Supervisor) runWarningCleanup(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WarningCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.warning.ClearOldWarnings(s.cfg.WarningCleanupMaxAgeHrs)
		}
	}
}

func (s *Supervisor) runHealthReport(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event := log.Info().
				Bool("brokerAvailable", s.broker.IsAvailable()).
				Str("brokerType", string(s.broker.GetBrokerType())).
				Int("pipelineSize", s.router.Manager().GetPipelineSize()).
				Int("totalPoolCapacity", s.router.Manager().GetTotalPoolCapacity())

			if s.health != nil {
				pools := s.router.Manager().Pools()
				stats := make([]health.PoolStats, 0, len(pools))
				for code, p := range pools {
					stats = append(stats, health.PoolStats{PoolCode: code})
					_, long := p.Stats()
					metrics.PoolDurationP50Ms.WithLabelValues(code).Set(long.P50Ms)
					metrics.PoolDurationP95Ms.WithLabelValues(code).Set(long.P95Ms)
					metrics.PoolDurationP99Ms.WithLabelValues(code).Set(long.P99Ms)
				}
				report := s.health.GetHealthReport(stats)
				event = event.Str("status", string(report.Status)).Strs("issues", report.Issues)
				s.health.Cleanup()
			}

			event.Msg("health report")
		}
	}
}
