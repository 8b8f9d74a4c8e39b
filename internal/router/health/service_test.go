package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/internal/router/warning"
)

func newTestService() *Service {
	return NewService(DefaultServiceConfig(), warning.NewInMemoryService())
}

func TestRecordPoolResult(t *testing.T) {
	svc := newTestService()
	for i := 0; i < 10; i++ {
		svc.RecordPoolResult("TEST", true)
	}

	rate, ok := svc.GetPoolSuccessRate("TEST")
	require.True(t, ok)
	assert.Equal(t, 1.0, rate)
}

func TestGetPoolSuccessRateMixed(t *testing.T) {
	svc := newTestService()
	svc.RecordPoolResult("TEST", true)
	svc.RecordPoolResult("TEST", true)
	svc.RecordPoolResult("TEST", false)

	rate, ok := svc.GetPoolSuccessRate("TEST")
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, rate, 0.0001)
}

func TestGetPoolSuccessRateUnknownPool(t *testing.T) {
	svc := newTestService()
	_, ok := svc.GetPoolSuccessRate("NOPE")
	assert.False(t, ok)
}

func TestConsumerHealth(t *testing.T) {
	svc := newTestService()
	svc.SetConsumerRunning("consumer-1", true)
	svc.RecordConsumerPoll("consumer-1")

	assert.True(t, svc.IsConsumerHealthy("consumer-1"))

	health := svc.GetConsumerHealth("consumer-1")
	assert.True(t, health.IsHealthy)
	assert.True(t, health.IsRunning)
	require.NotNil(t, health.TimeSinceLastPollMs)
}

func TestConsumerHealthNotRunning(t *testing.T) {
	svc := newTestService()
	svc.SetConsumerRunning("consumer-1", false)
	svc.RecordConsumerPoll("consumer-1")

	assert.False(t, svc.IsConsumerHealthy("consumer-1"))
}

func TestGetStalledConsumers(t *testing.T) {
	svc := newTestService()
	svc.cfg.ConsumerStallThreshold = 0 // anything not polled within this tick counts as stalled
	svc.SetConsumerRunning("consumer-1", true)

	stalled := svc.GetStalledConsumers()
	assert.Contains(t, stalled, "consumer-1")
}

func TestGetHealthReportHealthy(t *testing.T) {
	svc := newTestService()
	svc.SetConsumerRunning("consumer-1", true)
	svc.RecordConsumerPoll("consumer-1")
	svc.RecordPoolResult("DEFAULT", true)

	report := svc.GetHealthReport([]PoolStats{{PoolCode: "DEFAULT"}})
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 1, report.PoolsHealthy)
	assert.Equal(t, 0, report.PoolsUnhealthy)
}

func TestGetHealthReportNoDataCountsHealthy(t *testing.T) {
	svc := newTestService()
	report := svc.GetHealthReport([]PoolStats{{PoolCode: "UNSEEN"}})
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 1, report.PoolsHealthy)
}

func TestGetHealthReportDegradedWhenAllPoolsUnhealthy(t *testing.T) {
	svc := newTestService()
	for i := 0; i < 10; i++ {
		svc.RecordPoolResult("DEFAULT", false)
	}

	report := svc.GetHealthReport([]PoolStats{{PoolCode: "DEFAULT"}})
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, 0, report.PoolsHealthy)
	assert.Equal(t, 1, report.PoolsUnhealthy)
	assert.NotEmpty(t, report.Issues)
}

func TestGetHealthReportWarningWhenSomePoolsUnhealthy(t *testing.T) {
	svc := newTestService()
	for i := 0; i < 10; i++ {
		svc.RecordPoolResult("BAD", false)
	}
	svc.RecordPoolResult("GOOD", true)

	report := svc.GetHealthReport([]PoolStats{{PoolCode: "BAD"}, {PoolCode: "GOOD"}})
	assert.Equal(t, StatusWarning, report.Status)
	assert.Equal(t, 1, report.PoolsHealthy)
	assert.Equal(t, 1, report.PoolsUnhealthy)
}

func TestIsHealthy(t *testing.T) {
	svc := newTestService()
	svc.RecordPoolResult("DEFAULT", true)
	assert.True(t, svc.IsHealthy([]PoolStats{{PoolCode: "DEFAULT"}}))
}
