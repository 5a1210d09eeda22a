// Package retry implements the retry executor: bounded
// exponential backoff with jitter, an error-kind whitelist, and optional
// composition with a circuit breaker.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/lyzr/workflowcore/internal/resilience/breaker"
)

// ErrorKind classifies an error for the retry whitelist.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindPoolExhaustion
	KindOther
)

// Classifier maps an arbitrary error to an ErrorKind. Callers supply one
// appropriate to their transport (HTTP status codes, net.Error, pgx pool
// errors, ...); a nil Classifier treats every error as KindOther.
type Classifier func(err error) ErrorKind

// Policy controls attempt count and backoff shape.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy mirrors the retry defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, ExponentialBase: 2.0, Jitter: true}
}

// delay returns the backoff before attempt k (1-indexed):
// min(max_delay, initial_delay * base^(k-1)), times U(0.5, 1.5) when
// jitter is enabled.
func (p Policy) delay(k int) time.Duration {
	raw := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(k-1))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter {
		raw *= 0.5 + rand.Float64()
	}
	return time.Duration(raw)
}

// Executor runs an operation under a retry policy, optionally through a
// circuit breaker.
type Executor struct {
	policy     Policy
	classify   Classifier
	whitelist  map[ErrorKind]bool
	breaker    *breaker.Breaker
}

// Option configures an Executor.
type Option func(*Executor)

// WithBreaker composes a circuit breaker into every attempt; a rejection
// (Open, or HalfOpen at capacity) is surfaced immediately and not retried.
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithClassifier overrides the default "retry nothing" classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

// New builds an Executor retrying only the given error kinds.
func New(policy Policy, retryable []ErrorKind, opts ...Option) *Executor {
	whitelist := make(map[ErrorKind]bool, len(retryable))
	for _, k := range retryable {
		whitelist[k] = true
	}
	e := &Executor{policy: policy, whitelist: whitelist, classify: func(error) ErrorKind { return KindOther }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn, retrying per policy while the classified error kind is in
// the whitelist. A *breaker.Rejected error always ends the attempt loop.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		var err error
		if e.breaker != nil {
			err = e.breaker.Execute(ctx, fn)
		} else {
			err = fn(ctx)
		}

		if err == nil {
			return nil
		}

		var rejected *breaker.Rejected
		if errors.As(err, &rejected) {
			return err
		}

		lastErr = err
		if !e.whitelist[e.classify(err)] {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.policy.delay(attempt)):
		}
	}
	return lastErr
}
