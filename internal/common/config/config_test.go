package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsRunnable(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "embedded", cfg.Queue.Type)
	assert.True(t, cfg.Router.CircuitBreakerEnabled)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Port, cfg.HTTP.Port)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "embedded", cfg.Queue.Type)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.toml")
	doc := `
data_dir = "/var/lib/flowcatalyst"

[http]
port = 9090

[queue]
type = "nats"

[queue.nats]
url = "nats://broker:4222"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "nats", cfg.Queue.Type)
	assert.Equal(t, "nats://broker:4222", cfg.Queue.NATS.URL)
	assert.Equal(t, "/var/lib/flowcatalyst", cfg.DataDir)
}

func TestLoadResolvesLeaderDurations(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.Leader.TTLSeconds, int(cfg.Leader.TTL.Seconds()))
	assert.Equal(t, cfg.Leader.RefreshSeconds, int(cfg.Leader.RefreshInterval.Seconds()))
}

func TestEnvOverridesTakePriorityOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.toml")
	doc := `
[http]
port = 9090

[queue]
type = "nats"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv("FLOWCATALYST_HTTP_PORT", "7777")
	t.Setenv("FLOWCATALYST_QUEUE_TYPE", "sqs")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.HTTP.Port)
	assert.Equal(t, "sqs", cfg.Queue.Type)
}

func TestEnvBooleanOverride(t *testing.T) {
	t.Setenv("FLOWCATALYST_ROUTER_STANDBY_ENABLED", "true")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Router.Standby.Enabled)
}
