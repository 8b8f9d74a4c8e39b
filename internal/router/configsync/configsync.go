// Package configsync periodically fetches processing-pool and queue
// configuration from a remote JSON endpoint and reloads it into the
// running router whenever the fetched configuration changes, without a
// restart.
package configsync

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls how the client reaches the remote endpoint and how
// aggressively it retries a failed fetch.
type Config struct {
	Enabled                bool
	ConfigURL              string
	SyncInterval           time.Duration
	MaxRetryAttempts       int
	RetryDelay             time.Duration
	RequestTimeout         time.Duration
	FailOnInitialSyncError bool
}

// DefaultConfig matches the Java router's original scheduledSync defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:           5 * time.Minute,
		MaxRetryAttempts:       12,
		RetryDelay:             5 * time.Second,
		RequestTimeout:         30 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PoolSpec is one processing pool entry from the remote config, defaulted
// and stripped of wire-format optionality.
type PoolSpec struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute *int
}

// QueueSpec is one queue entry from the remote config.
type QueueSpec struct {
	Name        string
	URI         string
	Connections int
}

type poolConfigResponse struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute"`
}

type queueConfigResponse struct {
	QueueName   *string `json:"queueName"`
	QueueURI    string  `json:"queueUri"`
	Connections *int    `json:"connections"`
}

type configResponse struct {
	ProcessingPools []poolConfigResponse  `json:"processingPools"`
	Queues          []queueConfigResponse `json:"queues"`
}

// Reloader applies a freshly fetched configuration to the running router.
// manager.QueueManager satisfies this.
type Reloader interface {
	ApplyPoolConfig(pools []PoolSpec) error
}

// Warner surfaces a sync failure on the admin API. warning.Service
// satisfies this.
type Warner interface {
	AddWarning(category, severity, message, source string)
}

// StandbyChecker gates sync to the elected primary in a multi-instance
// deployment; standby.Checker satisfies this.
type StandbyChecker interface {
	IsPrimary() bool
}

// Result reports the outcome of one sync attempt. Pool counts are always
// zero: the remote endpoint is the sole source of truth for pool
// configuration, and ApplyPoolConfig reconciles the whole fetched set
// atomically rather than reconstructing a per-field diff count.
type Result struct {
	Success      bool
	PoolsUpdated int
	PoolsCreated int
	PoolsRemoved int
	Error        string
}

// Client polls Config.ConfigURL on an interval, reloading Reloader
// whenever the fetched configuration's hash changes.
type Client struct {
	cfg      Config
	http     *http.Client
	reloader Reloader
	warner   Warner
	standby  StandbyChecker
	seed     maphash.Seed

	mu       sync.Mutex
	lastHash uint64
	haveHash bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, reloader Reloader, warner Warner) *Client {
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		reloader: reloader,
		warner:   warner,
		seed:     maphash.MakeSeed(),
	}
}

func (c *Client) WithStandbyChecker(checker StandbyChecker) *Client {
	c.standby = checker
	return c
}

// IsEnabled reports whether sync has anywhere to fetch from.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled && c.cfg.ConfigURL != ""
}

func (c *Client) fetchConfig(ctx context.Context) (*configResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ConfigURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var out configResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding config response: %w", err)
	}
	return &out, nil
}

func (c *Client) fetchConfigWithRetry(ctx context.Context) (*configResponse, error) {
	attempts := c.cfg.MaxRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cfg, err := c.fetchConfig(ctx)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", attempts).Msg("config sync fetch failed")
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}
	return nil, lastErr
}

func queueName(q queueConfigResponse) string {
	if q.QueueName != nil && *q.QueueName != "" {
		return *q.QueueName
	}
	return q.QueueURI
}

func queueConnections(q queueConfigResponse) int {
	if q.Connections != nil {
		return *q.Connections
	}
	return 1
}

func (c *Client) computeHash(cfg *configResponse) uint64 {
	var h maphash.Hash
	h.SetSeed(c.seed)
	for _, p := range cfg.ProcessingPools {
		h.WriteString(p.Code)
		h.WriteByte(0)
		h.WriteString(strconv.Itoa(p.Concurrency))
		h.WriteByte(0)
		if p.RateLimitPerMinute != nil {
			h.WriteString(strconv.Itoa(*p.RateLimitPerMinute))
		}
		h.WriteByte(0)
	}
	for _, q := range cfg.Queues {
		h.WriteString(queueName(q))
		h.WriteByte(0)
		h.WriteString(q.QueueURI)
		h.WriteByte(0)
		h.WriteString(strconv.Itoa(queueConnections(q)))
		h.WriteByte(0)
	}
	return h.Sum64()
}

func toPoolSpecs(cfg *configResponse) []PoolSpec {
	specs := make([]PoolSpec, 0, len(cfg.ProcessingPools))
	for _, p := range cfg.ProcessingPools {
		specs = append(specs, PoolSpec{Code: p.Code, Concurrency: p.Concurrency, RateLimitPerMinute: p.RateLimitPerMinute})
	}
	return specs
}

// Sync fetches the remote config, applies it if its hash changed since the
// last successful sync, and reports the outcome. Safe to call directly
// (e.g. from the admin API's config-reload endpoint) or from the
// background ticker started by Start.
func (c *Client) Sync(ctx context.Context) *Result {
	if c.standby != nil && !c.standby.IsPrimary() {
		return &Result{Success: true}
	}

	cfg, err := c.fetchConfigWithRetry(ctx)
	if err != nil {
		msg := fmt.Sprintf("config sync failed: %v", err)
		if c.warner != nil {
			c.warner.AddWarning("Configuration", "Error", msg, "configsync")
		}
		log.Error().Err(err).Msg("config sync failed")
		return &Result{Success: false, Error: msg}
	}

	hash := c.computeHash(cfg)

	c.mu.Lock()
	unchanged := c.haveHash && hash == c.lastHash
	c.mu.Unlock()
	if unchanged {
		log.Debug().Msg("Configuration unchanged, skipping reload")
		return &Result{Success: true}
	}

	if err := c.reloader.ApplyPoolConfig(toPoolSpecs(cfg)); err != nil {
		msg := fmt.Sprintf("applying synced config failed: %v", err)
		if c.warner != nil {
			c.warner.AddWarning("Configuration", "Error", msg, "configsync")
		}
		log.Error().Err(err).Msg("config reload failed")
		return &Result{Success: false, Error: msg}
	}

	c.mu.Lock()
	c.lastHash = hash
	c.haveHash = true
	c.mu.Unlock()

	log.Info().Int("pools", len(cfg.ProcessingPools)).Int("queues", len(cfg.Queues)).Msg("configuration reloaded")
	return &Result{Success: true}
}

// InitialSync runs a blocking first sync at startup, honoring
// FailOnInitialSyncError.
func (c *Client) InitialSync(ctx context.Context) error {
	result := c.Sync(ctx)
	if !result.Success {
		if c.cfg.FailOnInitialSyncError {
			return fmt.Errorf("initial config sync failed: %s", result.Error)
		}
		log.Error().Str("error", result.Error).Msg("initial config sync failed; continuing with static config")
	}
	return nil
}

// Start begins the periodic sync loop. A no-op if sync is not enabled.
func (c *Client) Start(ctx context.Context) {
	if !c.IsEnabled() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sync(ctx)
		}
	}
}

// Stop halts the periodic sync loop, waiting for any in-flight sync to
// finish.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}
