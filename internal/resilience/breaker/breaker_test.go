package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/resilience/breaker"
)

func newTestBreaker() *breaker.Breaker {
	cfg := breaker.Config{
		Name:                  "test",
		WindowSize:            10,
		FailureThreshold:      0.5,
		SlowCallThreshold:     50 * time.Millisecond,
		SlowCallRateThreshold: 0.5,
		MinimumThroughput:     3,
		OpenTimeout:           20 * time.Millisecond,
		SuccessThreshold:      2,
		MaxRequestsInHalfOpen: 1,
	}
	return breaker.New(cfg, logger.Nop())
}

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	}

	assert.Equal(t, breaker.Open, b.State())

	err := b.Execute(ctx, func(context.Context) error { return nil })
	var rejected *breaker.Rejected
	require.ErrorAs(t, err, &rejected)
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	}
	require.Equal(t, breaker.Open, b.State())

	time.Sleep(25 * time.Millisecond)

	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, breaker.HalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	}
	time.Sleep(25 * time.Millisecond)

	err := b.Execute(ctx, func(context.Context) error { return errBoom })
	require.Error(t, err)
	assert.Equal(t, breaker.Open, b.State())
}

func TestBreaker_MixedResultsOpenOnceThroughputAndRateReached(t *testing.T) {
	cfg := breaker.Config{
		Name:                  "mixed",
		WindowSize:            10,
		FailureThreshold:      0.5,
		SlowCallThreshold:     time.Second,
		SlowCallRateThreshold: 1.0,
		MinimumThroughput:     4,
		OpenTimeout:           time.Minute,
		SuccessThreshold:      2,
		MaxRequestsInHalfOpen: 1,
	}
	b := breaker.New(cfg, logger.Nop())
	ctx := context.Background()

	// 2 successes then 3 failures. After the second failure the window
	// holds exactly MinimumThroughput calls at a borderline 50% failure
	// rate and the breaker stays Closed; the third failure (5 calls,
	// 3/5 = 60%) opens it.
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	}
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, breaker.Closed, b.State())
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, breaker.Closed, b.State())
	_ = b.Execute(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, breaker.Open, b.State())

	err := b.Execute(ctx, func(context.Context) error { return nil })
	var rejected *breaker.Rejected
	require.ErrorAs(t, err, &rejected)
}

func TestBreaker_SlowCallsCountTowardOpening(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, func(context.Context) error {
			time.Sleep(60 * time.Millisecond)
			return nil
		})
	}

	assert.Equal(t, breaker.Open, b.State())
}

func TestRegistry_GetOrCreateReusesInstance(t *testing.T) {
	r := breaker.NewRegistry(logger.Nop())
	a := r.GetOrCreate(breaker.DefaultConfig("svc"))
	b := r.GetOrCreate(breaker.DefaultConfig("svc"))
	assert.Same(t, a, b)
}
