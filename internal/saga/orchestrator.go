package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/workflowcore/internal/eventstore"
	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// EventPublisher is the minimal slice of eventstore.Store the orchestrator
// needs: appending saga lifecycle events to the durable log.
type EventPublisher interface {
	AppendEvent(ctx context.Context, envelope *eventstore.Envelope) error
}

// Orchestrator runs saga executions: dispatching steps whose dependencies
// are satisfied, recording every transition as an event, and driving
// compensation on failure.
type Orchestrator struct {
	store     EventPublisher
	executors *ExecutorRegistry
	log       *logger.Logger

	// mu guards the running-sagas index. Mutation windows are brief and
	// never span a suspension into a network call.
	mu      sync.RWMutex
	running map[uuid.UUID]*Execution

	aggregateVersions map[uuid.UUID]int64
	timeoutTimers     map[uuid.UUID]*time.Timer
	skipEvaluator     *SkipEvaluator
	snapshots         *SnapshotTrigger
}

// WithSnapshotTrigger attaches a SnapshotTrigger; every saga event
// emitted afterward is observed by it. Optional: an orchestrator with no
// trigger attached simply never snapshots.
func (o *Orchestrator) WithSnapshotTrigger(t *SnapshotTrigger) *Orchestrator {
	o.snapshots = t
	return o
}

// NewOrchestrator wires an event store and step executor registry.
func NewOrchestrator(store EventPublisher, executors *ExecutorRegistry, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:             store,
		executors:         executors,
		log:               log,
		running:           make(map[uuid.UUID]*Execution),
		aggregateVersions: make(map[uuid.UUID]int64),
		timeoutTimers:     make(map[uuid.UUID]*time.Timer),
		skipEvaluator:     NewSkipEvaluator(),
	}
}

// StartSaga allocates a saga_id, persists the initial SagaExecution, emits
// saga_started, and kicks off the execute loop.
func (o *Orchestrator) StartSaga(ctx context.Context, def Definition, inputContext map[string]interface{}) (uuid.UUID, error) {
	sagaID := uuid.New()

	steps := make([]*StepExecution, len(def.Steps))
	for i, sd := range def.Steps {
		policy := sd.RetryPolicy
		if policy.MaxAttempts == 0 {
			policy = DefaultRetryPolicy()
		}
		steps[i] = &StepExecution{
			StepID:                sd.StepID,
			ServiceName:           sd.ServiceName,
			Status:                StepPending,
			DependsOn:             sd.DependsOn,
			CompensationOperation: sd.CompensationOperation,
			ParallelGroup:         sd.ParallelGroup,
			SkipCondition:         sd.SkipCondition,
			RetryPolicy:           policy,
		}
	}

	strategy := def.CompensationStrategy
	if strategy == "" {
		strategy = ReverseOrder
	}

	exec := &Execution{
		SagaID:                  sagaID,
		SagaType:                def.SagaType,
		State:                   SagaRunning,
		Steps:                   steps,
		GlobalContext:           copyContext(inputContext),
		CreatedAt:               time.Now(),
		UpdatedAt:               time.Now(),
		TotalTimeout:            def.TotalTimeout,
		compensationStrategy:    strategy,
		customCompensationOrder: def.CustomCompensationOrder,
	}

	o.mu.Lock()
	o.running[sagaID] = exec
	o.mu.Unlock()

	if err := o.emit(ctx, sagaID, "saga_started", exec); err != nil {
		return uuid.Nil, fmt.Errorf("emit saga_started: %w", err)
	}

	if exec.TotalTimeout > 0 {
		o.startTimeoutMonitor(sagaID, exec.TotalTimeout)
	}

	// Scheduled, not recursive: the first loop tick runs on its own
	// goroutine so StartSaga returns promptly and stack depth from
	// repeated completions never grows.
	go o.tick(context.WithoutCancel(ctx), sagaID)

	return sagaID, nil
}

// Get returns a saga's current in-memory state (read-only copy not made;
// callers must not mutate returned steps).
func (o *Orchestrator) Get(sagaID uuid.UUID) (*Execution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	exec, ok := o.running[sagaID]
	return exec, ok
}

// tick computes the executable set and dispatches it; this is the
// saga's execute loop.
func (o *Orchestrator) tick(ctx context.Context, sagaID uuid.UUID) {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if exec.State != SagaRunning {
		o.mu.Unlock()
		return
	}

	var executable []*StepExecution
	skippedThisPass := false
	for _, s := range exec.Steps {
		if s.Status != StepPending || !exec.completedDepsSatisfied(s) {
			continue
		}
		if s.SkipCondition != "" {
			skip, err := o.skipEvaluator.ShouldSkip(s.SkipCondition, exec.GlobalContext)
			if err != nil {
				o.log.Warn("skip_condition evaluation failed, running step", "saga_id", sagaID, "step_id", s.StepID, "error", err)
			} else if skip {
				s.Status = StepSkipped
				skippedThisPass = true
				continue
			}
		}
		executable = append(executable, s)
	}

	if len(executable) == 0 {
		if exec.allCompletedOrSkipped() {
			o.completeLocked(ctx, exec)
		} else if skippedThisPass {
			// A skip may have just satisfied a dependent that was examined
			// earlier in this pass; re-run the loop to pick it up.
			go o.tick(ctx, sagaID)
		}
		o.mu.Unlock()
		return
	}

	for _, s := range executable {
		s.Status = StepRunning
		s.AttemptCount++
	}
	o.mu.Unlock()

	// Dispatch outside the lock: a step executor runs outside any lock.
	for _, s := range executable {
		s := s
		go o.runStep(ctx, sagaID, s)
	}
}

func (o *Orchestrator) runStep(ctx context.Context, sagaID uuid.UUID, step *StepExecution) {
	o.mu.RLock()
	exec, ok := o.running[sagaID]
	var globalContext map[string]interface{}
	if ok {
		globalContext = copyContext(exec.GlobalContext)
	}
	o.mu.RUnlock()
	if !ok {
		return
	}

	executor, err := o.executors.lookup(step.ServiceName)
	if err != nil {
		o.HandleStepCompletion(ctx, sagaID, step.StepID, step.AttemptCount, StepResult{Success: false, Err: err})
		return
	}

	result := executor.Execute(ctx, step, globalContext)
	o.HandleStepCompletion(ctx, sagaID, step.StepID, step.AttemptCount, result)
}

// HandleStepCompletion applies a step's result. It is idempotent: calling
// it twice with the same (sagaID, stepID, result) for a step already in a
// terminal status is a no-op, so a redelivered completion event never
// double-applies.
func (o *Orchestrator) HandleStepCompletion(ctx context.Context, sagaID uuid.UUID, stepID string, attempt int, result StepResult) {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	if !ok {
		o.mu.Unlock()
		return
	}
	step := exec.stepByID(stepID)
	if step == nil {
		o.mu.Unlock()
		return
	}

	if isTerminalStepStatus(step.Status) {
		o.log.Debug("ignoring duplicate step completion", "saga_id", sagaID, "step_id", stepID, "status", step.Status)
		o.mu.Unlock()
		return
	}
	if step.Status != StepRunning || attempt != step.AttemptCount {
		// A completion for a stale attempt (superseded by a retry) is
		// also a no-op.
		o.mu.Unlock()
		return
	}

	var emitEventType string
	var shouldRetry bool

	if result.Success {
		step.Status = StepCompleted
		step.OutputData = result.OutputData
		exec.completionCounter++
		step.CompletionOrder = exec.completionCounter
		emitEventType = "step_completed"
	} else {
		step.Error = errString(result.Err)
		if step.AttemptCount < step.RetryPolicy.MaxAttempts {
			shouldRetry = true
			step.Status = StepPending
		} else {
			step.Status = StepFailed
			emitEventType = "step_failed"
		}
	}
	exec.UpdatedAt = time.Now()

	snapshot := exec
	o.mu.Unlock()

	if emitEventType != "" {
		if err := o.emit(ctx, sagaID, emitEventType, snapshot); err != nil {
			o.log.Error("emit step event failed", "saga_id", sagaID, "step_id", stepID, "error", err)
		}
	}

	if shouldRetry {
		delay := step.RetryPolicy.delay(step.AttemptCount)
		time.AfterFunc(delay, func() { o.tick(ctx, sagaID) })
		return
	}

	if step.Status == StepFailed {
		o.startCompensation(ctx, sagaID)
		return
	}

	// Scheduled continuation, not a direct recursive call.
	go o.tick(ctx, sagaID)
}

func (o *Orchestrator) completeLocked(ctx context.Context, exec *Execution) {
	exec.State = SagaCompleted
	exec.UpdatedAt = time.Now()
	snapshot := exec
	go func() {
		o.cancelTimeoutMonitor(snapshot.SagaID)
		if err := o.emit(ctx, snapshot.SagaID, "saga_completed", snapshot); err != nil {
			o.log.Error("emit saga_completed failed", "saga_id", snapshot.SagaID, "error", err)
		}
	}()
}

func isTerminalStepStatus(s StepStatus) bool {
	switch s {
	case StepCompleted, StepFailed, StepCompensated, StepSkipped:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) emit(ctx context.Context, sagaID uuid.UUID, eventType string, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal saga state: %w", err)
	}

	o.mu.Lock()
	o.aggregateVersions[sagaID]++
	version := o.aggregateVersions[sagaID]
	o.mu.Unlock()

	envelope := &eventstore.Envelope{
		EventID:          uuid.New(),
		AggregateID:      sagaID,
		AggregateType:    "saga",
		AggregateVersion: version,
		EventType:        eventType,
		EventData:        data,
		OccurredAt:       time.Now(),
		SchemaVersion:    1,
	}
	if err := o.store.AppendEvent(ctx, envelope); err != nil {
		// A stale in-memory version counter (e.g. after competing emits)
		// is refetched and retried once; any other failure surfaces.
		var storeErr *eventstore.StoreError
		if !errors.As(err, &storeErr) || storeErr.Kind != eventstore.ErrConcurrencyConflict {
			return err
		}
		o.mu.Lock()
		o.aggregateVersions[sagaID] = storeErr.ExpectedVersion
		envelope.AggregateVersion = storeErr.ExpectedVersion
		o.mu.Unlock()
		if err := o.store.AppendEvent(ctx, envelope); err != nil {
			return err
		}
	}
	if o.snapshots != nil {
		o.snapshots.Observe(ctx, sagaID, version, len(data), data, 0)
	}
	return nil
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

