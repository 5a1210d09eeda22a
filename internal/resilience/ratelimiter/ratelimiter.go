// Package ratelimiter implements a three-scope (global -> user ->
// connection) token-bucket rate limiter on Redis. Each scope's
// refill-and-acquire runs atomically as a Lua script via redis.Script;
// a denial at a later scope refunds the tokens already taken from
// earlier scopes.
package ratelimiter

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

//go:embed refund.lua
var refundScript string

// Scope names the three evaluation tiers.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeUser       Scope = "user"
	ScopeConnection Scope = "connection"
)

// BucketConfig is one scope's token-bucket parameters.
type BucketConfig struct {
	MaxTokens  float64
	RefillRate float64 // tokens per second
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed     bool
	BindingScope Scope
	RetryAfter  time.Duration
}

// Limiter evaluates global, per-user, and per-connection token buckets in
// order, refunding already-acquired tokens on a later denial.
type Limiter struct {
	redis        *redis.Client
	acquire      *redis.Script
	refund       *redis.Script
	globalCfg    BucketConfig
	userCfg      BucketConfig
	connCfg      BucketConfig
}

// New wires a redis client and the three scopes' bucket configs.
func New(client *redis.Client, global, user, connection BucketConfig) *Limiter {
	return &Limiter{
		redis:     client,
		acquire:   redis.NewScript(tokenBucketScript),
		refund:    redis.NewScript(refundScript),
		globalCfg: global,
		userCfg:   user,
		connCfg:   connection,
	}
}

// Acquire runs the global -> user -> connection chain for n tokens,
// refunding earlier scopes on a later denial.
func (l *Limiter) Acquire(ctx context.Context, userID, connectionID string, n float64) (Decision, error) {
	globalKey := "ratelimit:global"
	userKey := "ratelimit:user:" + userID
	connKey := "ratelimit:connection:" + connectionID

	globalOK, globalRetry, err := l.tryAcquire(ctx, globalKey, l.globalCfg, n)
	if err != nil {
		return Decision{}, err
	}
	if !globalOK {
		return Decision{Allowed: false, BindingScope: ScopeGlobal, RetryAfter: globalRetry}, nil
	}

	userOK, userRetry, err := l.tryAcquire(ctx, userKey, l.userCfg, n)
	if err != nil {
		return Decision{}, err
	}
	if !userOK {
		l.refundTokens(ctx, globalKey, l.globalCfg.MaxTokens, n)
		return Decision{Allowed: false, BindingScope: ScopeUser, RetryAfter: userRetry}, nil
	}

	connOK, connRetry, err := l.tryAcquire(ctx, connKey, l.connCfg, n)
	if err != nil {
		return Decision{}, err
	}
	if !connOK {
		l.refundTokens(ctx, userKey, l.userCfg.MaxTokens, n)
		l.refundTokens(ctx, globalKey, l.globalCfg.MaxTokens, n)
		return Decision{Allowed: false, BindingScope: ScopeConnection, RetryAfter: connRetry}, nil
	}

	return Decision{Allowed: true}, nil
}

func (l *Limiter) tryAcquire(ctx context.Context, key string, cfg BucketConfig, n float64) (bool, time.Duration, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	result, err := l.acquire.Run(ctx, l.redis, []string{key}, cfg.MaxTokens, cfg.RefillRate, n, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("acquire token bucket %q: %w", key, err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, fmt.Errorf("unexpected token bucket script result for %q", key)
	}
	allowed := asInt64(values[0]) == 1
	retryAfterSeconds := asFloat64(values[2])
	return allowed, time.Duration(retryAfterSeconds * float64(time.Second)), nil
}

// refundTokens best-efforts a refund; a failure here only means an
// already-rejected request's upstream buckets stay slightly under-credited
// until their next refill tick, which self-heals.
func (l *Limiter) refundTokens(ctx context.Context, key string, maxTokens, n float64) {
	l.refund.Run(ctx, l.redis, []string{key}, maxTokens, n)
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case string:
		var f float64
		fmt.Sscanf(x, "%f", &f)
		return f
	case float64:
		return x
	default:
		return 0
	}
}
