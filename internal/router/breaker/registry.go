// Package breaker implements the per-endpoint circuit breaker registry the
// HTTP mediator consults before every request. Each entry wraps a
// sony/gobreaker state machine (closed/open/half-open transitions and
// timers) with the ring-buffer and lifetime counters the registry's
// admin-facing stats need, since gobreaker alone exposes neither
// per-endpoint iteration nor a failure-rate computed the way existing
// dashboards expect.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// Config configures every breaker the registry creates.
type Config struct {
	FailureThreshold int           // ring-window failures that trip Closed->Open
	SuccessThreshold int           // consecutive half-open successes that close the breaker
	ResetTimeout     time.Duration // time in Open before a probe request is allowed
	BufferSize       int           // ring buffer size for failure-rate/recent-result bookkeeping
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 5,
		ResetTimeout:     30 * time.Second,
		BufferSize:       100,
	}
}

// State mirrors the three circuit breaker states from the spec's data
// model, independent of gobreaker's own enum so the admin API's JSON shape
// is stable regardless of the underlying library.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Stats is the admin-facing snapshot of one breaker's counters.
type Stats struct {
	Name           string  `json:"name"`
	State          string  `json:"state"`
	SuccessfulCalls uint64 `json:"successfulCalls"`
	FailedCalls    uint64  `json:"failedCalls"`
	RejectedCalls  uint64  `json:"rejectedCalls"`
	FailureRate    float64 `json:"failureRate"`
	BufferedCalls  int     `json:"bufferedCalls"`
	BufferSize     int     `json:"bufferSize"`
}

// entry is one endpoint's breaker plus the bookkeeping gobreaker doesn't
// provide: a bounded ring of recent results (for recency-sensitive trip
// decisions) and lifetime totals (for the publicly reported failure rate,
// which per spec is computed from lifetime totals, not the ring).
type entry struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker

	mu             sync.Mutex
	ring           []bool
	ringPos        int
	successful     uint64
	failed         uint64
	rejected       uint64
	lastFailure    time.Time
	lastStateChange time.Time
}

func newEntry(name string, cfg Config) *entry {
	e := &entry{name: name, cfg: cfg, ring: make([]bool, 0, cfg.BufferSize), lastStateChange: time.Now()}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // counts never reset on a timer; the ring governs trip decisions
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return e.recentFailures() >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			e.lastStateChange = time.Now()
			e.mu.Unlock()
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(float64(toSpecState(to)))
			if to == gobreaker.StateOpen {
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	return e
}

func toSpecState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// recentFailures scans the whole ring, not just the last FailureThreshold
// entries — this matches the reference implementation exactly (it is not
// merely "count the last N"; a sparse run of failures spread across the
// buffer still trips the breaker once the total crosses the threshold).
func (e *entry) recentFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ok := range e.ring {
		if !ok {
			n++
		}
	}
	return n
}

func (e *entry) recordRing(success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ring) < e.cfg.BufferSize {
		e.ring = append(e.ring, success)
	} else {
		e.ring[e.ringPos] = success
		e.ringPos = (e.ringPos + 1) % e.cfg.BufferSize
	}
}

func (e *entry) recordSuccess() {
	e.recordRing(true)
	e.mu.Lock()
	e.successful++
	e.mu.Unlock()
}

func (e *entry) recordFailure() {
	e.recordRing(false)
	e.mu.Lock()
	e.failed++
	e.lastFailure = time.Now()
	e.mu.Unlock()
}

func (e *entry) recordRejection() {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()
}

func (e *entry) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.successful + e.failed
	var rate float64
	if total > 0 {
		rate = float64(e.failed) / float64(total)
	}
	return Stats{
		Name:            e.name,
		State:           toSpecState(e.cb.State()).String(),
		SuccessfulCalls: e.successful,
		FailedCalls:     e.failed,
		RejectedCalls:   e.rejected,
		FailureRate:     rate,
		BufferedCalls:   len(e.ring),
		BufferSize:      e.cfg.BufferSize,
	}
}

// Registry is a thread-safe map of endpoint URL to breaker, created lazily
// on first access.
type Registry struct {
	cfg Config
	mu  sync.RWMutex
	m   map[string]*entry
}

// New constructs an empty registry using cfg for every breaker it creates.
func New(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*entry)}
}

func (r *Registry) get(name string) *entry {
	r.mu.RLock()
	e, ok := r.m[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.m[name]; ok {
		return e
	}
	e := newEntry(name, r.cfg)
	r.m[name] = e
	return e
}

// AllowRequest reports whether a request to name may proceed. It
// short-circuits and records a rejection when the breaker is Open.
func (r *Registry) AllowRequest(name string) bool {
	e := r.get(name)
	if toSpecState(e.cb.State()) == StateOpen {
		e.recordRejection()
		return false
	}
	return true
}

// Execute runs fn through the named breaker, recording success/failure and
// translating gobreaker's open-circuit/too-many-requests errors into a
// sentinel the mediator maps onto ErrorConnection.
func (r *Registry) Execute(name string, fn func() error) error {
	e := r.get(name)
	_, err := e.cb.Execute(func() (any, error) {
		innerErr := fn()
		return nil, innerErr
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		e.recordRejection()
		return ErrOpen
	}
	if err != nil {
		e.recordFailure()
		return err
	}
	e.recordSuccess()
	return nil
}

// GetState returns the current state of name's breaker, or StateClosed if
// the breaker has never been accessed.
func (r *Registry) GetState(name string) State {
	r.mu.RLock()
	e, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return toSpecState(e.cb.State())
}

// GetAllStats returns a snapshot of every known breaker.
func (r *Registry) GetAllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.m))
	for _, e := range r.m {
		out = append(out, e.stats())
	}
	return out
}

// GetStats returns one breaker's stats, or false if it has never been
// accessed.
func (r *Registry) GetStats(name string) (Stats, bool) {
	r.mu.RLock()
	e, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return e.stats(), true
}

// Reset replaces name's breaker with a fresh one, discarding its history.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		r.m[name] = newEntry(name, r.cfg)
	}
}

// ResetAll replaces every known breaker with a fresh one.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.m {
		r.m[name] = newEntry(name, r.cfg)
	}
}

// ErrOpen is returned by Execute when the breaker rejected the call without
// invoking fn.
var ErrOpen = errOpen{}

type errOpen struct{}

func (errOpen) Error() string { return "circuit breaker open" }
