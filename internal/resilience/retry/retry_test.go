package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/resilience/breaker"
	"github.com/lyzr/workflowcore/internal/resilience/retry"
)

var errNetwork = errors.New("connection reset")
var errValidation = errors.New("bad request")

func classify(err error) retry.ErrorKind {
	if errors.Is(err, errNetwork) {
		return retry.KindNetwork
	}
	return retry.KindOther
}

func TestExecutor_RetriesWhitelistedErrorsUntilSuccess(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2, Jitter: false}
	executor := retry.New(policy, []retry.ErrorKind{retry.KindNetwork}, retry.WithClassifier(classify))

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errNetwork
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecutor_NonWhitelistedErrorBubblesImmediately(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2, Jitter: false}
	executor := retry.New(policy, []retry.ErrorKind{retry.KindNetwork}, retry.WithClassifier(classify))

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		return errValidation
	})

	require.ErrorIs(t, err, errValidation)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_BreakerRejectionIsNotRetried(t *testing.T) {
	cfg := breaker.Config{
		Name: "t", WindowSize: 5, FailureThreshold: 0.1, MinimumThroughput: 0,
		OpenTimeout: time.Hour, SuccessThreshold: 1, MaxRequestsInHalfOpen: 1,
		SlowCallThreshold: time.Second, SlowCallRateThreshold: 1,
	}
	b := breaker.New(cfg, logger.Nop())
	_ = b.Execute(context.Background(), func(context.Context) error { return errNetwork })
	require.Equal(t, breaker.Open, b.State())

	policy := retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 1, Jitter: false}
	executor := retry.New(policy, []retry.ErrorKind{retry.KindNetwork}, retry.WithClassifier(classify), retry.WithBreaker(b))

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	var rejected *breaker.Rejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, attempts)
}
