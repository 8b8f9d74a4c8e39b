// Package config loads the router's hierarchical TOML configuration
// document and applies environment variable overrides on top of it. Every
// field carries a default so a missing or partial file still produces a
// runnable configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level document: one section per ambient or domain
// concern, plus two top-level scalars.
type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	MongoDB  MongoDBConfig  `toml:"mongodb"`
	Redis    RedisConfig    `toml:"redis"`
	Queue    QueueConfig    `toml:"queue"`
	Router   RouterConfig   `toml:"router"`
	Stream   StreamConfig   `toml:"stream"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Leader   LeaderConfig   `toml:"leader"`
	Auth     AuthConfig     `toml:"auth"`

	DataDir string `toml:"data_dir"`
	DevMode bool   `toml:"dev_mode"`
}

type HTTPConfig struct {
	Port        int      `toml:"port"`
	Host        string   `toml:"host"`
	CORSOrigins []string `toml:"cors_origins"`
}

type MongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type RedisConfig struct {
	URL      string `toml:"url"`
	PoolSize int    `toml:"pool_size"`
}

type QueueConfig struct {
	Type   string       `toml:"type"`
	NATS   NATSConfig   `toml:"nats"`
	SQS    SQSConfig    `toml:"sqs"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

type NATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

type SQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type RouterConfig struct {
	TimeoutMs               int                  `toml:"timeout_ms"`
	MaxConnectionsPerHost   int                  `toml:"max_connections_per_host"`
	MaxWorkersPerPool       int                  `toml:"max_workers_per_pool"`
	MaxPools                int                  `toml:"max_pools"`
	CircuitBreakerEnabled   bool                 `toml:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int                  `toml:"circuit_breaker_threshold"`
	CircuitBreakerResetSecs int                  `toml:"circuit_breaker_reset_secs"`
	ConfigSync              ConfigSyncSettings   `toml:"config_sync"`
	Standby                 StandbySettings      `toml:"standby"`
}

type ConfigSyncSettings struct {
	Enabled               bool   `toml:"enabled"`
	ConfigURL             string `toml:"config_url"`
	IntervalSeconds       int    `toml:"interval_seconds"`
	MaxRetryAttempts      int    `toml:"max_retry_attempts"`
	RetryDelaySeconds     int    `toml:"retry_delay_seconds"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	FailOnInitialError    bool   `toml:"fail_on_initial_error"`
}

type StandbySettings struct {
	Enabled                 bool   `toml:"enabled"`
	RedisURL                string `toml:"redis_url"`
	LockKey                 string `toml:"lock_key"`
	LockTTLSeconds          int    `toml:"lock_ttl_seconds"`
	HeartbeatIntervalSeconds int   `toml:"heartbeat_interval_seconds"`
}

type StreamConfig struct {
	BatchSize       int    `toml:"batch_size"`
	BatchWaitMs     int    `toml:"batch_wait_ms"`
	CheckpointStore string `toml:"checkpoint_store"`
}

type OutboxConfig struct {
	Enabled       bool `toml:"enabled"`
	PollInterval  int  `toml:"poll_interval_ms"`
	PollBatchSize int  `toml:"poll_batch_size"`
}

type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
}

type SecretsConfig struct {
	Provider string `toml:"provider"`
}

type LeaderConfig struct {
	Enabled         bool          `toml:"enabled"`
	LockKey         string        `toml:"lock_key"`
	InstanceID      string        `toml:"instance_id"`
	TTL             time.Duration `toml:"-"`
	TTLSeconds      int           `toml:"ttl_seconds"`
	RefreshInterval time.Duration `toml:"-"`
	RefreshSeconds  int           `toml:"refresh_seconds"`
}

type AuthConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a config populated with every documented default.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 8080, Host: "0.0.0.0", CORSOrigins: []string{"http://localhost:4200"}},
		MongoDB: MongoDBConfig{
			URI:      "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true",
			Database: "flowcatalyst",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379", PoolSize: 10},
		Queue: QueueConfig{
			Type: "embedded",
			NATS: NATSConfig{URL: "nats://localhost:4222", DataDir: "./data/nats"},
			SQS:  SQSConfig{Region: "us-east-1", WaitTimeSeconds: 20, VisibilityTimeout: 120},
			SQLite: SQLiteConfig{Path: "./data/queue.db"},
		},
		Router: RouterConfig{
			TimeoutMs:               30000,
			MaxConnectionsPerHost:   100,
			MaxWorkersPerPool:       10,
			MaxPools:                100,
			CircuitBreakerEnabled:   true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerResetSecs: 30,
			ConfigSync: ConfigSyncSettings{
				IntervalSeconds:       300,
				MaxRetryAttempts:      12,
				RetryDelaySeconds:     5,
				RequestTimeoutSeconds: 30,
				FailOnInitialError:    true,
			},
			Standby: StandbySettings{
				LockKey:                  "fc:router:leader",
				LockTTLSeconds:           30,
				HeartbeatIntervalSeconds: 10,
			},
		},
		Stream:    StreamConfig{BatchSize: 100, BatchWaitMs: 1000, CheckpointStore: "mongodb"},
		Outbox:    OutboxConfig{Enabled: true, PollInterval: 1000, PollBatchSize: 500},
		Scheduler: SchedulerConfig{},
		Secrets:   SecretsConfig{Provider: "env"},
		Leader:    LeaderConfig{LockKey: "flowcatalyst:router:leader", TTLSeconds: 30, RefreshSeconds: 10},
		Auth:      AuthConfig{},
		DataDir:   "./data",
		DevMode:   false,
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment variable overrides, then resolves derived duration
// fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}
	applyEnvOverrides(cfg)
	cfg.Leader.TTL = time.Duration(cfg.Leader.TTLSeconds) * time.Second
	cfg.Leader.RefreshInterval = time.Duration(cfg.Leader.RefreshSeconds) * time.Second
	return cfg, nil
}

// applyEnvOverrides layers FLOWCATALYST_-prefixed environment variables
// on top of the file-or-default configuration for the handful of settings
// operators most commonly need to override per-deployment without editing
// the TOML file (connection strings, ports, queue selection).
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	num("FLOWCATALYST_HTTP_PORT", &cfg.HTTP.Port)
	str("FLOWCATALYST_HTTP_HOST", &cfg.HTTP.Host)
	str("FLOWCATALYST_MONGODB_URI", &cfg.MongoDB.URI)
	str("FLOWCATALYST_MONGODB_DATABASE", &cfg.MongoDB.Database)
	str("FLOWCATALYST_REDIS_URL", &cfg.Redis.URL)
	str("FLOWCATALYST_QUEUE_TYPE", &cfg.Queue.Type)
	str("FLOWCATALYST_QUEUE_NATS_URL", &cfg.Queue.NATS.URL)
	str("FLOWCATALYST_QUEUE_SQS_QUEUE_URL", &cfg.Queue.SQS.QueueURL)
	str("FLOWCATALYST_QUEUE_SQS_REGION", &cfg.Queue.SQS.Region)
	str("FLOWCATALYST_QUEUE_SQLITE_PATH", &cfg.Queue.SQLite.Path)
	boolean("FLOWCATALYST_ROUTER_CONFIG_SYNC_ENABLED", &cfg.Router.ConfigSync.Enabled)
	str("FLOWCATALYST_ROUTER_CONFIG_SYNC_URL", &cfg.Router.ConfigSync.ConfigURL)
	boolean("FLOWCATALYST_ROUTER_STANDBY_ENABLED", &cfg.Router.Standby.Enabled)
	str("FLOWCATALYST_LEADER_INSTANCE_ID", &cfg.Leader.InstanceID)
	boolean("FLOWCATALYST_LEADER_ENABLED", &cfg.Leader.Enabled)
	str("FLOWCATALYST_DATA_DIR", &cfg.DataDir)
	boolean("FLOWCATALYST_DEV_MODE", &cfg.DevMode)
}
