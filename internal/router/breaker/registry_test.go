package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		BufferSize:       10,
	}
}

func TestAllowRequestDefaultsClosed(t *testing.T) {
	r := New(testConfig())
	assert.True(t, r.AllowRequest("endpoint-a"))
	assert.Equal(t, StateClosed, r.GetState("endpoint-a"))
}

func TestExecuteRecordsSuccessAndFailure(t *testing.T) {
	r := New(testConfig())

	require.NoError(t, r.Execute("endpoint-a", func() error { return nil }))

	failErr := errors.New("boom")
	err := r.Execute("endpoint-a", func() error { return failErr })
	assert.ErrorIs(t, err, failErr)

	stats, ok := r.GetStats("endpoint-a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.SuccessfulCalls)
	assert.Equal(t, uint64(1), stats.FailedCalls)
}

func TestTripsOpenAfterFailureThreshold(t *testing.T) {
	r := New(testConfig())
	failErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = r.Execute("endpoint-a", func() error { return failErr })
	}

	assert.Equal(t, StateOpen, r.GetState("endpoint-a"))
	assert.False(t, r.AllowRequest("endpoint-a"))

	err := r.Execute("endpoint-a", func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestResetClearsHistory(t *testing.T) {
	r := New(testConfig())
	failErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = r.Execute("endpoint-a", func() error { return failErr })
	}
	require.Equal(t, StateOpen, r.GetState("endpoint-a"))

	r.Reset("endpoint-a")
	assert.Equal(t, StateClosed, r.GetState("endpoint-a"))
	stats, _ := r.GetStats("endpoint-a")
	assert.Equal(t, uint64(0), stats.FailedCalls)
}

func TestResetAll(t *testing.T) {
	r := New(testConfig())
	failErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = r.Execute("a", func() error { return failErr })
		_ = r.Execute("b", func() error { return failErr })
	}
	require.Equal(t, StateOpen, r.GetState("a"))
	require.Equal(t, StateOpen, r.GetState("b"))

	r.ResetAll()
	assert.Equal(t, StateClosed, r.GetState("a"))
	assert.Equal(t, StateClosed, r.GetState("b"))
}

func TestRecoversAfterResetTimeout(t *testing.T) {
	r := New(testConfig())
	failErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = r.Execute("endpoint-a", func() error { return failErr })
	}
	require.Equal(t, StateOpen, r.GetState("endpoint-a"))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.Execute("endpoint-a", func() error { return nil }))
	assert.Equal(t, StateClosed, r.GetState("endpoint-a"))
}

func TestGetAllStatsIncludesEveryKnownBreaker(t *testing.T) {
	r := New(testConfig())
	_ = r.Execute("a", func() error { return nil })
	_ = r.Execute("b", func() error { return nil })

	stats := r.GetAllStats()
	assert.Len(t, stats, 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
