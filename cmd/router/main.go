// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from the configured queue and delivers them via HTTP
// mediation, with per-pool concurrency/rate limiting, circuit breaking,
// and an admin HTTP surface for monitoring and control.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/internal/common/config"
	"go.flowcatalyst.tech/internal/common/leader"
	commonlifecycle "go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/outbox"
	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	"go.flowcatalyst.tech/internal/queue"
	amqpqueue "go.flowcatalyst.tech/internal/queue/amqp"
	"go.flowcatalyst.tech/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/configsync"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/lifecycle"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "router").
		Msg("Starting FlowCatalyst Message Router")

	cfg, err := config.Load(os.Getenv("FLOWCATALYST_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := commonlifecycle.NewManager()

	mongoDB := mustConnectMongo(ctx, cfg, shutdown)
	redisClient := buildRedisClient(cfg)
	if redisClient != nil {
		shutdown.RegisterDatabaseShutdown("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	queueConsumer, brokerChecker, closeQueue := mustBuildQueueConsumer(ctx, cfg, shutdown)
	broker := health.NewBrokerHealthService(true, brokerQueueType(cfg.Queue.Type), brokerChecker)

	breakerRegistry := breaker.New(breakerConfigFrom(cfg))
	mediatorCfg := mediator.DefaultConfig()
	mediatorCfg.Timeout = time.Duration(cfg.Router.TimeoutMs) * time.Millisecond
	mediatorCfg.CircuitBreakerEnabled = cfg.Router.CircuitBreakerEnabled
	mediatorCfg.CircuitBreaker.FailureThreshold = cfg.Router.CircuitBreakerThreshold
	mediatorCfg.CircuitBreaker.ResetTimeout = time.Duration(cfg.Router.CircuitBreakerResetSecs) * time.Second
	httpMediator := mediator.New(mediatorCfg, breakerRegistry)

	standbyChecker := mustBuildStandbyChecker(ctx, cfg, redisClient, mongoDB, shutdown)

	poolRepo := dispatchpool.NewRepository(mongoDB)
	warningService := warning.NewInMemoryService()
	healthService := health.NewService(health.DefaultServiceConfig(), warningService)

	router := manager.NewRouter(queueConsumer, httpMediator).
		WithConsumerHealthConfig(nil).
		WithConsumerHealthRecorder(healthService)
	router.Manager().
		WithStandbyChecker(standbyChecker).
		WithWarningService(warningService).
		WithHealthRecorder(healthService).
		WithPipelineCleanup(nil).
		WithVisibilityExtender(nil).
		WithLeakDetection(nil)

	configSyncClient := configsync.New(configSyncConfigFrom(cfg), router.Manager(), warningService).
		WithStandbyChecker(standbyChecker)
	if configSyncClient.IsEnabled() {
		if err := configSyncClient.InitialSync(ctx); err != nil {
			log.Fatal().Err(err).Msg("initial config sync failed")
		}
		configSyncClient.Start(ctx)
		shutdown.RegisterWorkerShutdown("config-sync", func(context.Context) error {
			configSyncClient.Stop()
			return nil
		})
	}

	supervisor := lifecycle.New(router, standbyChecker, warningService, broker, healthService, lifecycle.DefaultConfig())
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start router lifecycle supervisor")
	}
	shutdown.RegisterWorkerShutdown("router-supervisor", func(context.Context) error {
		supervisor.Stop()
		return nil
	})

	if closeQueue != nil {
		shutdown.RegisterQueueShutdown("queue", func(context.Context) error {
			return closeQueue()
		})
	}

	outboxProcessor := mustBuildOutboxProcessor(cfg, mongoDB, redisClient, httpMediator)
	if outboxProcessor != nil {
		outboxProcessor.Start()
		shutdown.RegisterWorkerShutdown("outbox-processor", func(context.Context) error {
			outboxProcessor.Stop()
			return nil
		})
	}

	trafficService := traffic.NewService(traffic.DefaultConfig())

	configSyncTrigger := api.ConfigSyncTrigger(func() error {
		if !configSyncClient.IsEnabled() {
			return fmt.Errorf("config sync not configured")
		}
		result := configSyncClient.Sync(context.Background())
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		return nil
	})
	adminServer := api.NewServer(router, breakerRegistry, warningService, broker, healthService, standbyChecker, trafficService, configSyncTrigger)

	httpServer := buildHTTPServer(cfg, adminServer, poolRepo)
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	shutdown.RegisterHTTPShutdown("http", httpServer.Shutdown)

	if err := shutdown.Run(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
	}
	log.Info().Msg("FlowCatalyst Message Router stopped")
}

func mustConnectMongo(ctx context.Context, cfg *config.Config, shutdown *commonlifecycle.Manager) *mongo.Database {
	log.Info().Str("database", cfg.MongoDB.Database).Msg("Connecting to MongoDB")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping MongoDB")
	}
	shutdown.RegisterDatabaseShutdown("mongodb", func(c context.Context) error {
		return client.Disconnect(c)
	})
	return client.Database(cfg.MongoDB.Database)
}

func buildRedisClient(cfg *config.Config) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error().Err(err).Msg("Invalid redis URL, continuing without redis-backed features")
		return nil
	}
	opts.PoolSize = cfg.Redis.PoolSize
	return redis.NewClient(opts)
}

func brokerQueueType(queueType string) health.QueueType {
	switch queueType {
	case "nats":
		return health.QueueTypeNATS
	case "sqs":
		return health.QueueTypeSQS
	default:
		return health.QueueTypeEmbedded
	}
}

// mustBuildQueueConsumer selects the queue driver per cfg.Queue.Type and
// returns a consumer, a connectivity checker for the health service, and a
// close func for graceful shutdown.
func mustBuildQueueConsumer(ctx context.Context, cfg *config.Config, shutdown *commonlifecycle.Manager) (queue.Consumer, health.BrokerConnectivityChecker, func() error) {
	switch cfg.Queue.Type {
	case "nats":
		log.Info().Str("url", cfg.Queue.NATS.URL).Msg("Connecting to NATS JetStream")
		client, err := amqpqueue.NewClient(ctx, amqpqueue.Config{URL: cfg.Queue.NATS.URL, StreamName: "DISPATCH"})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		consumer, err := client.Consumer(ctx, "router-consumer", "DISPATCH.>", cfg.Router.MaxWorkersPerPool, 30*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create NATS consumer")
		}
		return consumer, noopChecker{}, client.Close

	case "sqs":
		log.Info().Str("region", cfg.Queue.SQS.Region).Str("queueURL", cfg.Queue.SQS.QueueURL).Msg("Connecting to AWS SQS")
		client, err := sqsqueue.NewClient(ctx, &sqsqueue.Config{
			QueueURL:          cfg.Queue.SQS.QueueURL,
			Region:            cfg.Queue.SQS.Region,
			WaitTimeSeconds:   int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout: int32(cfg.Queue.SQS.VisibilityTimeout),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SQS client")
		}
		consumer, err := client.CreateConsumer(ctx, "router-consumer", "")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SQS consumer")
		}
		return consumer, noopChecker{}, nil

	default:
		path := cfg.Queue.SQLite.Path
		if path == "" {
			path = "./data/queue.db"
		}
		log.Info().Str("path", path).Msg("Using embedded SQLite queue")
		client, err := sqlite.Open(path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open embedded queue")
		}
		consumer := client.Consumer("router", 120*time.Second)
		return consumer, noopChecker{}, client.Close
	}
}

type noopChecker struct{}

func (noopChecker) CheckConnectivity(context.Context) error           { return nil }
func (noopChecker) CheckQueueAccessible(context.Context, string) error { return nil }

func breakerConfigFrom(cfg *config.Config) breaker.Config {
	bc := breaker.DefaultConfig()
	bc.FailureThreshold = cfg.Router.CircuitBreakerThreshold
	bc.ResetTimeout = time.Duration(cfg.Router.CircuitBreakerResetSecs) * time.Second
	return bc
}

func configSyncConfigFrom(cfg *config.Config) configsync.Config {
	sc := configsync.DefaultConfig()
	sc.Enabled = cfg.Router.ConfigSync.Enabled
	sc.ConfigURL = cfg.Router.ConfigSync.ConfigURL
	if cfg.Router.ConfigSync.IntervalSeconds > 0 {
		sc.SyncInterval = time.Duration(cfg.Router.ConfigSync.IntervalSeconds) * time.Second
	}
	if cfg.Router.ConfigSync.MaxRetryAttempts > 0 {
		sc.MaxRetryAttempts = cfg.Router.ConfigSync.MaxRetryAttempts
	}
	if cfg.Router.ConfigSync.RetryDelaySeconds > 0 {
		sc.RetryDelay = time.Duration(cfg.Router.ConfigSync.RetryDelaySeconds) * time.Second
	}
	if cfg.Router.ConfigSync.RequestTimeoutSeconds > 0 {
		sc.RequestTimeout = time.Duration(cfg.Router.ConfigSync.RequestTimeoutSeconds) * time.Second
	}
	sc.FailOnInitialSyncError = cfg.Router.ConfigSync.FailOnInitialError
	return sc
}

// mustBuildStandbyChecker picks Redis or Mongo leader election per config,
// or Always() for a single-instance deployment with standby disabled.
func mustBuildStandbyChecker(ctx context.Context, cfg *config.Config, redisClient *redis.Client, db *mongo.Database, shutdown *commonlifecycle.Manager) *standby.Checker {
	if !cfg.Router.Standby.Enabled {
		return standby.Always()
	}

	if redisClient != nil {
		electorCfg := leader.DefaultRedisElectorConfig(cfg.Router.Standby.LockKey)
		if cfg.Router.Standby.LockTTLSeconds > 0 {
			electorCfg.TTL = time.Duration(cfg.Router.Standby.LockTTLSeconds) * time.Second
		}
		if cfg.Router.Standby.HeartbeatIntervalSeconds > 0 {
			electorCfg.RefreshInterval = time.Duration(cfg.Router.Standby.HeartbeatIntervalSeconds) * time.Second
		}
		elector := leader.NewRedisLeaderElector(redisClient, electorCfg)
		shutdown.RegisterLeaderShutdown("leader-election", func(context.Context) error {
			elector.Stop()
			return nil
		})
		return standby.NewRedis(elector)
	}

	electorCfg := leader.DefaultMongoElectorConfig(cfg.Router.Standby.LockKey)
	if cfg.Router.Standby.LockTTLSeconds > 0 {
		electorCfg.TTL = time.Duration(cfg.Router.Standby.LockTTLSeconds) * time.Second
	}
	if cfg.Router.Standby.HeartbeatIntervalSeconds > 0 {
		electorCfg.RefreshInterval = time.Duration(cfg.Router.Standby.HeartbeatIntervalSeconds) * time.Second
	}
	elector := leader.NewLeaderElector(db.Collection("router_leader"), electorCfg)
	shutdown.RegisterLeaderShutdown("leader-election", func(context.Context) error {
		elector.Stop()
		return nil
	})
	return standby.NewMongo(elector)
}

func mustBuildOutboxProcessor(cfg *config.Config, db *mongo.Database, redisClient *redis.Client, dispatcher outbox.Dispatcher) *outbox.Processor {
	if !cfg.Outbox.Enabled {
		return nil
	}

	repo := outbox.NewMongoRepository(db, outbox.DefaultRepositoryConfig())

	procCfg := outbox.DefaultProcessorConfig()
	procCfg.Enabled = true
	if cfg.Outbox.PollInterval > 0 {
		procCfg.PollInterval = time.Duration(cfg.Outbox.PollInterval) * time.Millisecond
	}
	if cfg.Outbox.PollBatchSize > 0 {
		procCfg.PollBatchSize = cfg.Outbox.PollBatchSize
	}
	procCfg.LeaderElection.Enabled = cfg.Leader.Enabled
	procCfg.LeaderElection.LockName = "flowcatalyst:outbox:leader"
	procCfg.LeaderElection.LeaseDuration = cfg.Leader.TTL
	procCfg.LeaderElection.RefreshInterval = cfg.Leader.RefreshInterval

	processor := outbox.NewProcessor(repo, dispatcher, procCfg)
	if procCfg.LeaderElection.Enabled && redisClient != nil {
		processor = processor.WithRedisLeaderElection(redisClient)
	}
	return processor
}

// buildHTTPServer wires the admin API, metrics, and the dispatch-pool CRUD
// surface that lets operators maintain the persisted pool definitions an
// external config-sync endpoint ultimately publishes from.
func buildHTTPServer(cfg *config.Config, adminServer *api.Server, poolRepo *dispatchpool.Repository) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Handle("/metrics", promhttp.Handler())
	adminServer.Routes(r)

	r.Route("/dispatch-pools", func(pr chi.Router) {
		pr.Get("/", poolRepo.ListHandler)
		pr.Post("/", poolRepo.CreateHandler)
		pr.Get("/{id}", poolRepo.GetHandler)
		pr.Put("/{id}", poolRepo.UpdateHandler)
		pr.Delete("/{id}", poolRepo.DeleteHandler)
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
