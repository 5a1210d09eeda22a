// Command orchestratord is the process that wires the workflow graph
// engine, the event-sourced saga orchestrator, the realtime messaging
// fabric, and the resilience layer behind a single HTTP/WebSocket
// surface.
package main

import (
	"context"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/internal/eventstore"
	"github.com/lyzr/workflowcore/internal/eventstore/memstore"
	"github.com/lyzr/workflowcore/internal/eventstore/pgstore"
	"github.com/lyzr/workflowcore/internal/graph"
	"github.com/lyzr/workflowcore/internal/platform/config"
	"github.com/lyzr/workflowcore/internal/platform/httpserver"
	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/platform/pg"
	"github.com/lyzr/workflowcore/internal/platform/telemetry"
	"github.com/lyzr/workflowcore/internal/realtime"
	"github.com/lyzr/workflowcore/internal/resilience/breaker"
	"github.com/lyzr/workflowcore/internal/resilience/ratelimiter"
	"github.com/lyzr/workflowcore/internal/resilience/retry"
	"github.com/lyzr/workflowcore/internal/saga"
)

func main() {
	ctx := context.Background()

	cfg := config.Load()
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	store, closeStore := setupEventStore(ctx, cfg, log)
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{Addr: envRedisAddr()})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, rate limiting and offline persistence degrade to best-effort", "error", err)
	}

	deps := buildDeps(ctx, cfg, log, store, redisClient)

	if cfg.Telemetry.EnablePprof {
		telemetry.New(cfg.Telemetry.PprofPort, log).Start()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))
	e.Use(bearerAuth(cfg.Auth, log))
	e.Use(rateLimitMiddleware(deps.limiter, log))

	registerRoutes(e, deps)

	srv := httpserver.New(cfg.Service.Name, cfg.Service.Port, e, log)
	log.Info("orchestratord ready", "port", cfg.Service.Port, "environment", cfg.Service.Environment)
	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEventStore selects pgstore when EVENTSTORE_BACKEND=postgres and the
// database configured by DB_HOST/credentials is reachable, falling back to
// the in-process memstore otherwise (development, tests).
func setupEventStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (eventstore.Store, func()) {
	if os.Getenv("EVENTSTORE_BACKEND") == "postgres" {
		db, err := pg.New(ctx, cfg, log)
		if err != nil {
			log.Error("postgres event store unavailable, falling back to memstore", "error", err)
			return memstore.New(), func() {}
		}
		return pgstore.New(db), func() { db.Close() }
	}
	return memstore.New(), func() {}
}

func envRedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// deps bundles the constructed core subsystems shared across handlers.
type deps struct {
	cfg        *config.Config
	log        *logger.Logger
	store      eventstore.Store
	registry   *graph.Registry
	orch       *saga.Orchestrator
	breakers   *breaker.Registry
	limiter    *ratelimiter.Limiter
	retryExec  *retry.Executor
	router     *realtime.Router
	manager    *realtime.SessionManager
	persister  realtime.Persister
	rtCfg      realtime.Config
	projections *saga.ProjectionManager
	sagaSummary *saga.SagaSummaryProjection
}

func buildDeps(ctx context.Context, cfg *config.Config, log *logger.Logger, store eventstore.Store, redisClient *redis.Client) *deps {
	registry := graph.NewRegistry()
	registry.Register("pass_through", graph.NewPassThroughFactory())
	registry.Register("transform", graph.NewTransformFactory())
	registry.Register("http_call", graph.NewHTTPCallFactory())

	executors := saga.NewExecutorRegistry()
	breakers := breaker.NewRegistry(log)
	retryExec := retry.New(retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    cfg.Retry.InitialDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}, []retry.ErrorKind{retry.KindNetwork, retry.KindTimeout, retry.KindPoolExhaustion})
	executors.Register("default", newResilientStepExecutor(breakers, retryExec, log))

	registry.Register("streaming_call", graph.NewStreamingCallFactory(retryExec))

	snapshotCfg := saga.SnapshotConfig{
		EventCountThreshold: int(cfg.Snapshot.EventCountThreshold),
		TimeInterval:        cfg.Snapshot.TimeThreshold,
		EstimatedSizeBytes:  int(cfg.Snapshot.AggregateSizeThreshold),
		MinInterval:         cfg.Snapshot.MinSnapshotInterval,
	}
	snapshotTrigger := saga.NewSnapshotTrigger(snapshotCfg, saga.NewMemorySnapshotStore(), log)

	orch := saga.NewOrchestrator(store, executors, log)
	if cfg.Snapshot.AutoTriggersEnabled {
		orch.WithSnapshotTrigger(snapshotTrigger)
	}

	projections := saga.NewProjectionManagerWithConfig(store, log, saga.RebuildConfig{
		BatchSize:         cfg.Projection.BatchSize,
		Parallelism:       cfg.Projection.Parallelism,
		MaxIncrementalAge: cfg.Projection.MaxIncrementalAge,
		RebuildTimeout:    cfg.Projection.RebuildTimeout,
	})
	sagaSummary := saga.NewSagaSummaryProjection()
	projections.Register(ctx, sagaSummary)

	limiter := ratelimiter.New(redisClient,
		ratelimiter.BucketConfig{MaxTokens: float64(cfg.RateLimit.Global.BurstSize), RefillRate: cfg.RateLimit.Global.MaxRequestsPerSecond},
		ratelimiter.BucketConfig{MaxTokens: float64(cfg.RateLimit.PerUser.BurstSize), RefillRate: cfg.RateLimit.PerUser.MaxRequestsPerSecond},
		ratelimiter.BucketConfig{MaxTokens: float64(cfg.RateLimit.PerConn.BurstSize), RefillRate: cfg.RateLimit.PerConn.MaxRequestsPerSecond},
	)

	persister := realtime.NewRedisPersister(redisClient, log)
	rules := []realtime.Rule{
		// Direct messages delivered to an active connection are recorded
		// through the persister for history backfill; a direct message
		// whose recipient has no active connection is not recorded, and
		// recorded messages are not replayed on reconnect. Broadcasts and
		// topic fan-out are not recorded.
		{Name: "persist-direct-messages", Match: `kind == "direct"`, Action: realtime.RuleAction{PersistOffline: true}},
	}
	router := realtime.NewRouter(log, persister, rules)
	rtCfg := realtime.Config{
		HeartbeatInterval:      cfg.Session.HeartbeatInterval,
		ClientTimeout:          cfg.Session.ClientTimeout,
		MaxMissedHeartbeats:    cfg.Session.MaxMissedHeartbeats,
		MaxMessageBufferSize:   cfg.Session.MaxMessageBufferSize,
		MessageRetryAttempts:   cfg.Session.MessageRetryAttempts,
		EnableMessageBuffering: cfg.Session.EnableMessageBuffering,
		MaxFrameSize:           cfg.Session.MaxFrameSize,
		PresenceTimeout:        cfg.Manager.PresenceTimeout,
		TypingTimeout:          cfg.Manager.TypingTimeout,
		MaxSessionsPerUser:     cfg.Manager.MaxSessionsPerUser,
	}
	manager := realtime.NewSessionManager(rtCfg, router, log)

	return &deps{
		cfg:         cfg,
		log:         log,
		store:       store,
		registry:    registry,
		orch:        orch,
		breakers:    breakers,
		limiter:     limiter,
		retryExec:   retryExec,
		router:      router,
		manager:     manager,
		persister:   persister,
		rtCfg:       rtCfg,
		projections: projections,
		sagaSummary: sagaSummary,
	}
}
