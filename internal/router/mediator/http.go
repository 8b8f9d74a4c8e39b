// Package mediator implements the HTTP delivery mechanism: a minimal JSON
// envelope POST, response-driven ack/delay interpretation, in-process
// retry with backoff, and a per-endpoint circuit breaker consulted once per
// delivery, around all of its retry attempts.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/router/breaker"
)

// Config configures an HTTPMediator.
type Config struct {
	Timeout               time.Duration
	MaxRetries            int
	BaseBackoff           time.Duration
	CircuitBreakerEnabled bool
	CircuitBreaker        breaker.Config
}

// DefaultConfig mirrors the teacher's defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		BaseBackoff:           time.Second,
		CircuitBreakerEnabled: true,
		CircuitBreaker:        breaker.DefaultConfig(),
	}
}

const maxResponseBody = 64 * 1024

// HTTPMediator delivers messages over HTTP and classifies the response into
// a model.MediationOutcome, retrying internally before handing the outcome
// back to the pool.
type HTTPMediator struct {
	client   *http.Client
	cfg      Config
	breakers *breaker.Registry
}

// New constructs an HTTPMediator. breakers may be shared with the admin
// surface so /monitoring/circuit-breakers reflects exactly what the
// mediator consults.
func New(cfg Config, breakers *breaker.Registry) *HTTPMediator {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &HTTPMediator{
		client:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cfg:      cfg,
		breakers: breakers,
	}
}

// Process implements pool.Mediator.
func (m *HTTPMediator) Process(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome {
	target := msg.TargetURL

	if m.cfg.CircuitBreakerEnabled && !m.breakers.AllowRequest(target) {
		return model.ErrorConnection(fmt.Errorf("circuit breaker open"))
	}

	var outcome *model.MediationOutcome
	err := func() error {
		if !m.cfg.CircuitBreakerEnabled {
			outcome = m.executeWithRetry(ctx, msg)
			if outcome.Retryable() {
				return outcome.Err
			}
			return nil
		}
		return m.breakers.Execute(target, func() error {
			outcome = m.executeWithRetry(ctx, msg)
			if outcome.Retryable() {
				if outcome.Err != nil {
					return outcome.Err
				}
				return fmt.Errorf("mediation outcome: %s", outcome.Kind)
			}
			return nil
		})
	}()

	if err == breaker.ErrOpen {
		return model.ErrorConnection(fmt.Errorf("circuit breaker open"))
	}
	return outcome
}

// executeWithRetry performs one attempt plus up to MaxRetries in-process
// retries, waiting BaseBackoff, then 2*BaseBackoff, and so on between
// them. ErrorConfig short-circuits; ErrorProcess and ErrorConnection are
// retried.
func (m *HTTPMediator) executeWithRetry(ctx context.Context, msg *model.MessagePointer) *model.MediationOutcome {
	var outcome *model.MediationOutcome
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		outcome = m.executeOnce(ctx, msg, attempt)
		if outcome.Kind == model.MediationSuccess || outcome.Kind == model.MediationErrorConfig {
			return outcome
		}
		if attempt < m.cfg.MaxRetries {
			time.Sleep(time.Duration(attempt+1) * m.cfg.BaseBackoff)
		}
	}
	return outcome
}

func (m *HTTPMediator) executeOnce(ctx context.Context, msg *model.MessagePointer, attempt int) *model.MediationOutcome {
	payload, err := json.Marshal(map[string]string{"messageId": msg.JobID})
	if err != nil {
		return model.ErrorConfig(nil, fmt.Errorf("encode envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return model.ErrorConfig(nil, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.TargetURL).Observe(duration.Seconds())

	if err != nil {
		return m.handleError(err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return m.handleResponse(resp.StatusCode, body)
}

func (m *HTTPMediator) handleError(err error) *model.MediationOutcome {
	if err == context.DeadlineExceeded {
		return model.ErrorConnection(err)
	}
	if err == context.Canceled {
		return model.ErrorProcess(nil, nil, err)
	}
	if _, ok := err.(net.Error); ok {
		return model.ErrorConnection(err)
	}
	s := err.Error()
	if containsAny(s, "connection refused", "no such host", "dial tcp") {
		return model.ErrorConnection(err)
	}
	return model.ErrorProcess(nil, nil, err)
}

func (m *HTTPMediator) handleResponse(status int, body []byte) *model.MediationOutcome {
	sc := status
	switch {
	case status >= 200 && status < 300:
		ack, delay, explicit := parseAckResponse(body)
		if explicit && !ack {
			if delay == nil {
				d := 5
				delay = &d
			}
			return model.ErrorProcess(delay, &sc, nil)
		}
		return model.Success()
	case status == http.StatusTooManyRequests:
		delay := parseRetryAfter(body, 5)
		return model.ErrorProcess(&delay, &sc, fmt.Errorf("rate limited by target"))
	case status == 400, status == 401, status == 403, status == 404, status == 422, status == 501:
		return model.ErrorConfig(&sc, fmt.Errorf("client error status %d", status))
	case status >= 500:
		return model.ErrorProcess(nil, &sc, fmt.Errorf("server error status %d", status))
	default:
		return model.ErrorProcess(nil, &sc, fmt.Errorf("unexpected status %d", status))
	}
}

// parseAckResponse parses {"ack": bool, "delaySeconds": int}. A missing or
// unparseable body is treated as an implicit ack — the wire format
// explicitly allows an empty body on success.
func parseAckResponse(body []byte) (ack bool, delaySeconds *int, explicit bool) {
	if len(body) == 0 {
		return true, nil, false
	}
	var env struct {
		Ack          *bool `json:"ack"`
		DelaySeconds *int  `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Ack == nil {
		return true, nil, false
	}
	return *env.Ack, env.DelaySeconds, true
}

func parseRetryAfter(body []byte, fallback int) int {
	var env struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.DelaySeconds != nil {
		return *env.DelaySeconds
	}
	return fallback
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
