// Package saga implements the event-sourced saga orchestrator: step state
// machine, dependency-respecting execution, compensation, and persistence
// via the eventstore.
package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SagaState is the saga's own lifecycle state.
type SagaState string

const (
	SagaRunning      SagaState = "running"
	SagaCompleted    SagaState = "completed"
	SagaCompensating SagaState = "compensating"
	SagaFailed       SagaState = "failed"
	SagaAborted      SagaState = "aborted"
)

// StepStatus is a single step's state machine position.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepSkipped      StepStatus = "skipped"
)

// CompensationStrategy controls the order in which completed steps are
// compensated after a saga-level failure.
type CompensationStrategy string

const (
	// ReverseOrder compensates completed steps in the reverse of their
	// completion order. This is the default and matches every source
	// this package demonstrates.
	ReverseOrder CompensationStrategy = "reverse_order"
	// Parallel dispatches every eligible compensation concurrently and
	// waits for all to finish.
	Parallel CompensationStrategy = "parallel"
	// Custom compensates in a caller-supplied explicit step-id order;
	// steps not named in the list are left uncompensated (Skipped).
	Custom CompensationStrategy = "custom"
)

// RetryPolicy governs re-entry into Pending->Running for a failed step.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	BaseDelay          time.Duration `json:"base_delay"`
	MaxDelay           time.Duration `json:"max_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// DefaultRetryPolicy mirrors the saga defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, ExponentialBackoff: true}
}

// delay returns the backoff delay before attempt number `attempt` (1-indexed).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if !p.ExponentialBackoff || attempt <= 1 {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// StepDefinition declares one step of a saga at definition time.
type StepDefinition struct {
	StepID                string      `json:"step_id"`
	ServiceName           string      `json:"service_name"`
	DependsOn             []string    `json:"depends_on"`
	CompensationOperation string      `json:"compensation_operation,omitempty"` // empty means "not compensable"
	ParallelGroup         string      `json:"parallel_group,omitempty"`         // steps sharing a non-empty group may run concurrently
	RetryPolicy           RetryPolicy `json:"retry_policy"`
	// SkipCondition, if set, is a CEL expression evaluated against
	// GlobalContext; true means the step is marked Skipped instead of run.
	SkipCondition string `json:"skip_condition,omitempty"`
}

// Definition is the immutable saga template passed to StartSaga.
type Definition struct {
	SagaType             string               `json:"saga_type"`
	Steps                []StepDefinition     `json:"steps"`
	CompensationStrategy CompensationStrategy `json:"compensation_strategy"`
	// CustomCompensationOrder is used only when CompensationStrategy == Custom.
	CustomCompensationOrder []string      `json:"custom_compensation_order,omitempty"`
	TotalTimeout            time.Duration `json:"total_timeout"`
}

// StepExecution is the runtime state of one step within a running saga.
type StepExecution struct {
	StepID                string                 `json:"step_id"`
	ServiceName           string                 `json:"service_name"`
	Status                StepStatus             `json:"status"`
	AttemptCount           int                   `json:"attempt_count"`
	DependsOn             []string               `json:"depends_on"`
	CompensationOperation string                 `json:"compensation_operation,omitempty"`
	ParallelGroup         string                 `json:"parallel_group,omitempty"`
	SkipCondition         string                 `json:"-"`
	RetryPolicy           RetryPolicy             `json:"-"`
	OutputData            map[string]interface{} `json:"output_data,omitempty"`
	Error                 string                 `json:"error,omitempty"`
	CompletionOrder       int                    `json:"completion_order,omitempty"`
}

// Execution is the runtime state of a saga run.
type Execution struct {
	SagaID         uuid.UUID                `json:"saga_id"`
	SagaType       string                   `json:"saga_type"`
	State          SagaState                `json:"state"`
	Steps          []*StepExecution         `json:"steps"`
	GlobalContext  map[string]interface{}   `json:"global_context"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	TotalTimeout   time.Duration            `json:"total_timeout"`

	compensationStrategy    CompensationStrategy
	customCompensationOrder []string
	completionCounter       int
}

func (e *Execution) stepByID(stepID string) *StepExecution {
	for _, s := range e.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

func (e *Execution) allCompletedOrSkipped() bool {
	for _, s := range e.Steps {
		if s.Status != StepCompleted && s.Status != StepSkipped {
			return false
		}
	}
	return true
}

func (e *Execution) completedDepsSatisfied(s *StepExecution) bool {
	for _, dep := range s.DependsOn {
		depStep := e.stepByID(dep)
		if depStep == nil {
			return false
		}
		if depStep.Status != StepCompleted && depStep.Status != StepSkipped {
			return false
		}
	}
	return true
}

// MarshalJSON excludes unexported scheduling fields; GlobalContext and
// Steps are the durable projection of saga state.
func (e *Execution) MarshalJSON() ([]byte, error) {
	type alias Execution
	return json.Marshal((*alias)(e))
}

// StepResult is what a StepExecutor reports back for one invocation.
type StepResult struct {
	Success    bool
	OutputData map[string]interface{}
	Err        error
}

func (s *StepExecution) String() string {
	return fmt.Sprintf("%s[%s]", s.StepID, s.Status)
}
