package mediator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/router/breaker"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 1
	cfg.BaseBackoff = time.Millisecond
	return cfg
}

func TestProcessSuccessOnEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(fastConfig(), breaker.New(breaker.DefaultConfig()))
	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: srv.URL})

	assert.Equal(t, model.MediationSuccess, outcome.Kind)
}

func TestProcessExplicitNack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ack": false, "delaySeconds": 42}`))
	}))
	defer srv.Close()

	m := New(fastConfig(), breaker.New(breaker.DefaultConfig()))
	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: srv.URL})

	require.Equal(t, model.MediationErrorProcess, outcome.Kind)
	require.NotNil(t, outcome.DelaySeconds)
	assert.Equal(t, 42, *outcome.DelaySeconds)
}

func TestProcessClientErrorIsConfigNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(fastConfig(), breaker.New(breaker.DefaultConfig()))
	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: srv.URL})

	assert.Equal(t, model.MediationErrorConfig, outcome.Kind)
	assert.False(t, outcome.Retryable())
}

func TestProcessServerErrorRetriesThenFails(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.CircuitBreakerEnabled = false
	m := New(cfg, breaker.New(breaker.DefaultConfig()))
	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: srv.URL})

	assert.Equal(t, model.MediationErrorProcess, outcome.Kind)
	assert.Equal(t, cfg.MaxRetries+1, attempts)
}

func TestProcessRateLimitedUsesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"delaySeconds": 7}`))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	m := New(cfg, breaker.New(breaker.DefaultConfig()))
	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: srv.URL})

	require.Equal(t, model.MediationErrorProcess, outcome.Kind)
	require.NotNil(t, outcome.DelaySeconds)
	assert.Equal(t, 7, *outcome.DelaySeconds)
}

func TestProcessOpenCircuitShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	breakerCfg := breaker.DefaultConfig()
	breakerCfg.FailureThreshold = 1
	registry := breaker.New(breakerCfg)
	m := New(cfg, registry)

	msg := &model.MessagePointer{JobID: "j1", TargetURL: srv.URL}
	first := m.Process(context.Background(), msg)
	require.Equal(t, model.MediationErrorProcess, first.Kind)
	require.Equal(t, breaker.StateOpen, registry.GetState(srv.URL))

	second := m.Process(context.Background(), msg)
	assert.Equal(t, model.MediationErrorConnection, second.Kind)
}

func TestProcessConnectionRefusedIsConnectionError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	m := New(cfg, breaker.New(breaker.DefaultConfig()))

	outcome := m.Process(context.Background(), &model.MessagePointer{JobID: "j1", TargetURL: "http://127.0.0.1:1"})
	assert.Equal(t, model.MediationErrorConnection, outcome.Kind)
}

func TestProcessForwardsAuthAndHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(fastConfig(), breaker.New(breaker.DefaultConfig()))
	msg := &model.MessagePointer{
		JobID:     "j1",
		TargetURL: srv.URL,
		AuthToken: "tok-123",
		Headers:   map[string]string{"X-Custom": "abc"},
	}
	outcome := m.Process(context.Background(), msg)

	require.Equal(t, model.MediationSuccess, outcome.Kind)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "abc", gotCustom)
}
