// Package config holds typed configuration for every component of the
// orchestration core, populated from the environment with sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every subsystem's configuration.
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	Breaker    BreakerConfig
	RateLimit  RateLimitScopes
	Retry      RetryConfig
	Saga       SagaConfig
	Session    SessionConfig
	Manager    ManagerConfig
	Snapshot   SnapshotConfig
	Projection ProjectionConfig
	Telemetry  TelemetryConfig
	Auth       AuthConfig
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the event store.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// CacheConfig holds settings for the in-memory projection/read-model cache.
type CacheConfig struct {
	Enabled    bool
	SizeMB     int
	DefaultTTL time.Duration
}

// BreakerConfig mirrors the circuit breaker config keys.
type BreakerConfig struct {
	FailureThreshold       float64 // fraction, e.g. 0.5
	SuccessThreshold       int
	Timeout                time.Duration
	MaxRequestsInHalfOpen  int
	SlowCallThreshold      time.Duration
	SlowCallRateThreshold  float64
	MinimumThroughput      int
	WindowSize             int
	Enabled                bool
}

// RateLimitConfig holds one scope's token-bucket settings.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64
	BurstSize            int64
	WindowSize           time.Duration
	Enabled              bool
}

// RateLimitScopes holds the three rate-limit evaluation scopes.
type RateLimitScopes struct {
	Global     RateLimitConfig
	PerUser    RateLimitConfig
	PerConn    RateLimitConfig
}

// RetryConfig mirrors the retry executor config keys.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// SagaConfig mirrors the saga config keys.
type SagaConfig struct {
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	ExponentialBackoff    bool
	GlobalTimeout         time.Duration
	CompensationStrategy  string // "reverse_order" | "parallel" | "custom"
}

// SessionConfig mirrors the session config keys.
type SessionConfig struct {
	HeartbeatInterval     time.Duration
	ClientTimeout         time.Duration
	MaxMissedHeartbeats   int
	MaxMessageBufferSize  int
	MessageRetryAttempts  int
	EnableMessageBuffering bool
	MaxFrameSize          int64
}

// ManagerConfig mirrors the manager config keys.
type ManagerConfig struct {
	PresenceTimeout    time.Duration
	TypingTimeout      time.Duration
	CleanupInterval    time.Duration
	HealthCheckInterval time.Duration
	MaxSessionsPerUser int
}

// SnapshotConfig mirrors the snapshot trigger config keys.
type SnapshotConfig struct {
	EventCountThreshold     int64
	TimeThreshold           time.Duration
	MemoryThresholdPercent  float64
	AggregateSizeThreshold  int64
	MinSnapshotInterval     time.Duration
	AutoTriggersEnabled     bool
}

// ProjectionConfig mirrors the projection rebuild config keys.
type ProjectionConfig struct {
	BatchSize           int
	Parallelism         int
	IncrementalRebuild  bool
	MaxIncrementalAge   time.Duration
	RebuildTimeout      time.Duration
}

// AuthConfig holds the HMAC secret used to verify bearer tokens.
type AuthConfig struct {
	Secret string
}

// DatabaseURL builds the Postgres DSN pgx expects.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database)
}

// Load reads configuration from the environment, falling back to defaults
// tuned for local development.
func Load() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        envStr("SERVICE_NAME", "workflowcore"),
			Port:        envInt("SERVICE_PORT", 8080),
			Environment: envStr("ENVIRONMENT", "development"),
			LogLevel:    envStr("LOG_LEVEL", "info"),
			LogFormat:   envStr("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			Host:        envStr("DB_HOST", "localhost"),
			Port:        envInt("DB_PORT", 5432),
			Database:    envStr("DB_NAME", "workflowcore"),
			User:        envStr("DB_USER", "postgres"),
			Password:    envStr("DB_PASSWORD", "postgres"),
			MaxConns:    envInt("DB_MAX_CONNS", 20),
			MinConns:    envInt("DB_MIN_CONNS", 2),
			MaxIdleTime: envDuration("DB_MAX_IDLE_TIME", 5*time.Minute),
			MaxLifetime: envDuration("DB_MAX_LIFETIME", time.Hour),
		},
		Cache: CacheConfig{
			Enabled:    envBool("CACHE_ENABLED", true),
			SizeMB:     envInt("CACHE_SIZE_MB", 64),
			DefaultTTL: envDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold:      envFloat("BREAKER_FAILURE_THRESHOLD", 0.5),
			SuccessThreshold:      envInt("BREAKER_SUCCESS_THRESHOLD", 3),
			Timeout:               envDuration("BREAKER_TIMEOUT", 30*time.Second),
			MaxRequestsInHalfOpen: envInt("BREAKER_MAX_HALF_OPEN", 5),
			SlowCallThreshold:     envDuration("BREAKER_SLOW_CALL_THRESHOLD", 2*time.Second),
			SlowCallRateThreshold: envFloat("BREAKER_SLOW_CALL_RATE_THRESHOLD", 0.5),
			MinimumThroughput:     envInt("BREAKER_MINIMUM_THROUGHPUT", 10),
			WindowSize:            envInt("BREAKER_WINDOW_SIZE", 20),
			Enabled:               envBool("BREAKER_ENABLED", true),
		},
		RateLimit: RateLimitScopes{
			Global:  RateLimitConfig{MaxRequestsPerSecond: envFloat("RATE_LIMIT_GLOBAL_RPS", 100), BurstSize: int64(envInt("RATE_LIMIT_GLOBAL_BURST", 100)), WindowSize: time.Second, Enabled: envBool("RATE_LIMIT_ENABLED", true)},
			PerUser: RateLimitConfig{MaxRequestsPerSecond: envFloat("RATE_LIMIT_USER_RPS", 10), BurstSize: int64(envInt("RATE_LIMIT_USER_BURST", 20)), WindowSize: time.Second, Enabled: envBool("RATE_LIMIT_ENABLED", true)},
			PerConn: RateLimitConfig{MaxRequestsPerSecond: envFloat("RATE_LIMIT_CONN_RPS", 5), BurstSize: int64(envInt("RATE_LIMIT_CONN_BURST", 10)), WindowSize: time.Second, Enabled: envBool("RATE_LIMIT_ENABLED", true)},
		},
		Retry: RetryConfig{
			MaxAttempts:     envInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay:    envDuration("RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:        envDuration("RETRY_MAX_DELAY", 5*time.Second),
			ExponentialBase: envFloat("RETRY_EXPONENTIAL_BASE", 2.0),
			Jitter:          envBool("RETRY_JITTER", true),
		},
		Saga: SagaConfig{
			MaxAttempts:          envInt("SAGA_MAX_ATTEMPTS", 3),
			BaseDelay:            envDuration("SAGA_BASE_DELAY_MS", 500*time.Millisecond),
			MaxDelay:             envDuration("SAGA_MAX_DELAY_MS", 10*time.Second),
			ExponentialBackoff:   envBool("SAGA_EXPONENTIAL_BACKOFF", true),
			GlobalTimeout:        envDuration("SAGA_GLOBAL_TIMEOUT_SECONDS", 5*time.Minute),
			CompensationStrategy: envStr("SAGA_COMPENSATION_STRATEGY", "reverse_order"),
		},
		Session: SessionConfig{
			HeartbeatInterval:      envDuration("SESSION_HEARTBEAT_INTERVAL", 30*time.Second),
			ClientTimeout:          envDuration("SESSION_CLIENT_TIMEOUT", 10*time.Second),
			MaxMissedHeartbeats:    envInt("SESSION_MAX_MISSED_HEARTBEATS", 3),
			MaxMessageBufferSize:   envInt("SESSION_MAX_BUFFER_SIZE", 256),
			MessageRetryAttempts:   envInt("SESSION_MESSAGE_RETRY_ATTEMPTS", 3),
			EnableMessageBuffering: envBool("SESSION_ENABLE_BUFFERING", true),
			MaxFrameSize:           int64(envInt("SESSION_MAX_FRAME_SIZE", 65536)),
		},
		Manager: ManagerConfig{
			PresenceTimeout:     envDuration("MANAGER_PRESENCE_TIMEOUT", 2*time.Minute),
			TypingTimeout:       envDuration("MANAGER_TYPING_TIMEOUT", 5*time.Second),
			CleanupInterval:     envDuration("MANAGER_CLEANUP_INTERVAL", 30*time.Second),
			HealthCheckInterval: envDuration("MANAGER_HEALTH_CHECK_INTERVAL", 15*time.Second),
			MaxSessionsPerUser:  envInt("MANAGER_MAX_SESSIONS_PER_USER", 5),
		},
		Snapshot: SnapshotConfig{
			EventCountThreshold:    int64(envInt("SNAPSHOT_EVENT_COUNT_THRESHOLD", 200)),
			TimeThreshold:          envDuration("SNAPSHOT_TIME_THRESHOLD_HOURS", 24*time.Hour),
			MemoryThresholdPercent: envFloat("SNAPSHOT_MEMORY_THRESHOLD_PERCENT", 70),
			AggregateSizeThreshold: int64(envInt("SNAPSHOT_AGGREGATE_SIZE_THRESHOLD", 1<<20)),
			MinSnapshotInterval:    envDuration("SNAPSHOT_MIN_INTERVAL_MINUTES", 10*time.Minute),
			AutoTriggersEnabled:    envBool("SNAPSHOT_AUTO_TRIGGERS_ENABLED", true),
		},
		Projection: ProjectionConfig{
			BatchSize:          envInt("PROJECTION_BATCH_SIZE", 500),
			Parallelism:        envInt("PROJECTION_PARALLELISM", 4),
			IncrementalRebuild: envBool("PROJECTION_INCREMENTAL_REBUILD", true),
			MaxIncrementalAge:  envDuration("PROJECTION_MAX_INCREMENTAL_AGE_HOURS", 6*time.Hour),
			RebuildTimeout:     envDuration("PROJECTION_REBUILD_TIMEOUT_SECONDS", 5*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: envBool("TELEMETRY_ENABLE_PPROF", false),
			PprofPort:   envInt("TELEMETRY_PPROF_PORT", 6060),
		},
		Auth: AuthConfig{
			Secret: envStr("AUTH_SECRET", "dev-secret-change-me"),
		},
	}
}

// TelemetryConfig holds observability toggles.
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
