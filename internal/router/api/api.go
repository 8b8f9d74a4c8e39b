// Package api is the router's monitoring-only HTTP admin surface: health
// probes, pool/queue stats, warnings, circuit-breaker introspection, and
// standby/traffic status. It never accepts dispatched messages itself —
// that happens only over the configured queue.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/pool"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

// ConfigSyncTrigger forces an out-of-band config-sync run; satisfied by a
// closure the caller builds around its configsync.Client.
type ConfigSyncTrigger func() error

// Server wires every handler spec.md's admin surface names onto a chi
// router.
type Server struct {
	router     *manager.Router
	breakers   *breaker.Registry
	warnings   warning.Service
	broker     *health.BrokerHealthService
	health     *health.Service
	standby    *standby.Checker
	traffic    *traffic.Service
	configSync ConfigSyncTrigger
	startedAt  time.Time
}

func NewServer(router *manager.Router, breakers *breaker.Registry, warnings warning.Service, broker *health.BrokerHealthService, healthService *health.Service, standbyChecker *standby.Checker, trafficSvc *traffic.Service, configSync ConfigSyncTrigger) *Server {
	return &Server{
		router:     router,
		breakers:   breakers,
		warnings:   warnings,
		broker:     broker,
		health:     healthService,
		standby:    standbyChecker,
		traffic:    trafficSvc,
		configSync: configSync,
		startedAt:  time.Now(),
	}
}

// Routes mounts every admin endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)

	r.Get("/monitoring", s.handleMonitoring)
	r.Get("/monitoring/queues", s.handleQueues)
	r.Get("/monitoring/pools", s.handleListPools)
	r.Put("/monitoring/pools/{code}", s.handleUpdatePool)
	r.Get("/monitoring/standby-status", s.handleStandbyStatus)
	r.Get("/monitoring/traffic-status", s.handleTrafficStatus)

	r.Get("/monitoring/circuit-breakers", s.handleListBreakers)
	r.Get("/monitoring/circuit-breakers/{name}/state", s.handleBreakerState)
	r.Post("/monitoring/circuit-breakers/{name}/reset", s.handleBreakerReset)
	r.Post("/monitoring/circuit-breakers/reset-all", s.handleBreakerResetAll)

	r.Post("/config/reload", s.handleConfigReload)

	r.Get("/warnings", s.handleListWarnings)
	r.Post("/warnings/{id}/acknowledge", s.handleAcknowledgeWarning)
	r.Post("/warnings/acknowledge-all", s.handleAcknowledgeAllWarnings)
	r.Delete("/warnings", s.handleClearWarnings)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports an aggregate liveness/readiness view.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "UP",
		"uptime":  time.Since(s.startedAt).String(),
		"brokerAvailable": s.broker.IsAvailable(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

// handleReady fails readiness once the broker connection is down, so a
// load balancer stops routing to this instance before its queue poll loop
// starts erroring visibly.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.broker.IsAvailable() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN", "reason": "broker unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	mgr := s.router.Manager()
	pools := mgr.Pools()

	body := map[string]any{
		"pipelineSize":      mgr.GetPipelineSize(),
		"totalPoolCapacity": mgr.GetTotalPoolCapacity(),
		"activeWarnings":    len(s.warnings.GetUnacknowledgedWarnings()),
		"criticalWarnings":  s.warnings.CriticalCount(),
		"brokerType":        s.broker.GetBrokerType(),
		"brokerAvailable":   s.broker.IsAvailable(),
		"pools":             poolStatsFor(mgr, pools, s.health),
	}

	if s.health != nil {
		stats := make([]health.PoolStats, 0, len(pools))
		for code := range pools {
			stats = append(stats, health.PoolStats{PoolCode: code})
		}
		report := s.health.GetHealthReport(stats)
		body["status"] = report.Status
		body["poolsHealthy"] = report.PoolsHealthy
		body["poolsUnhealthy"] = report.PoolsUnhealthy
		body["consumersHealthy"] = report.ConsumersHealthy
		body["consumersUnhealthy"] = report.ConsumersUnhealthy
		body["issues"] = report.Issues
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	consumer := s.router.Consumer()
	if consumer == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lastActivity": consumer.GetLastActivity(),
		"stalled":      consumer.IsStalled(),
		"restartCount": consumer.GetRestartCount(),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	mgr := s.router.Manager()
	pools := mgr.Pools()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalCapacity": mgr.GetTotalPoolCapacity(),
		"pools":         poolStatsFor(mgr, pools, s.health),
	})
}

// poolStatsFor builds the per-pool monitoring payload: concurrency, group
// count, rate-limit state, and short (5 min) / long (30 min) percentile
// windows, plus the health service's rolling success rate when available.
func poolStatsFor(mgr *manager.QueueManager, pools map[string]*pool.Pool, healthSvc *health.Service) []map[string]any {
	out := make([]map[string]any, 0, len(pools))
	for code, p := range pools {
		short, long := p.Stats()
		entry := map[string]any{
			"poolCode":          code,
			"concurrency":       p.GetConcurrency(),
			"queueCapacity":     p.GetQueueCapacity(),
			"messageGroupCount": p.GroupCount(),
			"isRateLimited":     p.IsRateLimited(),
			"shortWindow":       short,
			"longWindow":        long,
		}
		if healthSvc != nil {
			if rate, ok := healthSvc.GetPoolSuccessRate(code); ok {
				entry["successRate"] = rate
			}
		}
		out = append(out, entry)
	}
	return out
}

type updatePoolRequest struct {
	Concurrency        int  `json:"concurrency"`
	RateLimitPerMinute *int `json:"rateLimitPerMinute"`
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req updatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ok := s.router.Manager().UpdatePool(&manager.PoolConfig{
		Code:               code,
		Concurrency:        req.Concurrency,
		RateLimitPerMinute: req.RateLimitPerMinute,
	})
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pool not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleStandbyStatus(w http.ResponseWriter, r *http.Request) {
	isPrimary := true
	if s.standby != nil {
		isPrimary = s.standby.IsPrimary()
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": roleOf(isPrimary), "primary": isPrimary})
}

func roleOf(primary bool) string {
	if primary {
		return "PRIMARY"
	}
	return "STANDBY"
}

func (s *Server) handleTrafficStatus(w http.ResponseWriter, r *http.Request) {
	if s.traffic == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.traffic.GetStatus())
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.GetAllStats())
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, ok := s.breakers.GetStats(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown circuit breaker"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.breakers.Reset(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBreakerResetAll(w http.ResponseWriter, r *http.Request) {
	s.breakers.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.configSync == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "config sync not configured"})
		return
	}
	if err := s.configSync(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleListWarnings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("severity") != "":
		writeJSON(w, http.StatusOK, s.warnings.GetWarningsBySeverity(q.Get("severity")))
	case q.Get("category") != "":
		writeJSON(w, http.StatusOK, s.warnings.GetWarningsByCategory(q.Get("category")))
	case q.Get("acknowledged") == "false":
		writeJSON(w, http.StatusOK, s.warnings.GetUnacknowledgedWarnings())
	default:
		writeJSON(w, http.StatusOK, s.warnings.GetAllWarnings())
	}
}

func (s *Server) handleAcknowledgeWarning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.warnings.AcknowledgeWarning(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "warning not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleAcknowledgeAllWarnings(w http.ResponseWriter, r *http.Request) {
	count := s.warnings.AcknowledgeAll()
	writeJSON(w, http.StatusOK, map[string]string{"acknowledged": strconv.Itoa(count)})
}

func (s *Server) handleClearWarnings(w http.ResponseWriter, r *http.Request) {
	s.warnings.ClearAllWarnings()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
