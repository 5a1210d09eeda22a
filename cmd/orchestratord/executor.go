package main

import (
	"context"
	"fmt"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/resilience/breaker"
	"github.com/lyzr/workflowcore/internal/resilience/retry"
	"github.com/lyzr/workflowcore/internal/saga"
)

// resilientStepExecutor dispatches a saga step through the resilience
// layer: every attempt goes through a per-service breaker composed with
// the shared retry executor. The downstream call itself is a stand-in;
// concrete service dispatch (HTTP, queue publish, agent invocation)
// lives behind the StepExecutor contract.
type resilientStepExecutor struct {
	breakers *breaker.Registry
	retry    *retry.Executor
	log      *logger.Logger
}

func newResilientStepExecutor(breakers *breaker.Registry, retryExec *retry.Executor, log *logger.Logger) *resilientStepExecutor {
	return &resilientStepExecutor{breakers: breakers, retry: retryExec, log: log}
}

func (e *resilientStepExecutor) Execute(ctx context.Context, step *saga.StepExecution, globalContext map[string]interface{}) saga.StepResult {
	b := e.breakers.GetOrCreate(breaker.DefaultConfig(step.ServiceName))

	var output map[string]interface{}
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			out, err := dispatch(ctx, step, globalContext)
			output = out
			return err
		})
	})
	if err != nil {
		return saga.StepResult{Success: false, Err: err}
	}
	return saga.StepResult{Success: true, OutputData: output}
}

func (e *resilientStepExecutor) Compensate(ctx context.Context, step *saga.StepExecution, globalContext map[string]interface{}) error {
	b := e.breakers.GetOrCreate(breaker.DefaultConfig(step.ServiceName))
	return e.retry.Do(ctx, func(ctx context.Context) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			e.log.Info("compensating step", "step_id", step.StepID, "operation", step.CompensationOperation)
			return nil
		})
	})
}

// dispatch is the stand-in for the concrete downstream call a real
// deployment would make per step.ServiceName; it always succeeds,
// echoing the step id so callers can see the step ran.
func dispatch(_ context.Context, step *saga.StepExecution, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"step_id": step.StepID, "result": fmt.Sprintf("%s:ok", step.ServiceName)}, nil
}
