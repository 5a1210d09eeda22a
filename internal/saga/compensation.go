package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// startCompensation transitions a saga into Compensating and drives
// whichever CompensationStrategy the saga was started with.
func (o *Orchestrator) startCompensation(ctx context.Context, sagaID uuid.UUID) {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	if !ok || exec.State != SagaRunning {
		o.mu.Unlock()
		return
	}
	toCompensate := compensableSteps(exec)
	for _, dep := range dependentsSkipped(exec) {
		dep.Status = StepSkipped
	}

	// Nothing Completed has a compensation to run: there is nothing to
	// undo, so the saga aborts directly rather than entering
	// Compensating. The same rule applies whether the trigger was a step
	// failure or a timeout.
	if len(toCompensate) == 0 {
		exec.State = SagaAborted
		exec.UpdatedAt = time.Now()
		snapshot := exec
		go o.cancelTimeoutMonitor(sagaID)
		o.mu.Unlock()
		if err := o.emit(ctx, sagaID, "saga_aborted", snapshot); err != nil {
			o.log.Error("emit saga_aborted failed", "saga_id", sagaID, "error", err)
		}
		return
	}

	exec.State = SagaCompensating
	exec.UpdatedAt = time.Now()
	go o.cancelTimeoutMonitor(sagaID)
	snapshot := exec
	o.mu.Unlock()

	if err := o.emit(ctx, sagaID, "compensation_started", snapshot); err != nil {
		o.log.Error("emit compensation_started failed", "saga_id", sagaID, "error", err)
	}

	switch exec.compensationStrategy {
	case Parallel:
		o.compensateParallel(ctx, sagaID, toCompensate)
	case Custom:
		o.compensateCustom(ctx, sagaID, toCompensate, exec.customCompensationOrder)
	default:
		o.compensateReverseOrder(ctx, sagaID, toCompensate)
	}
}

// compensableSteps returns completed, compensation-eligible steps from
// exec; callers must hold o.mu.
func compensableSteps(exec *Execution) []*StepExecution {
	var out []*StepExecution
	for _, s := range exec.Steps {
		if s.Status == StepCompleted && s.CompensationOperation != "" {
			out = append(out, s)
		}
	}
	return out
}

// dependentsSkipped returns steps still Pending at the point of failure;
// they never ran, so they transition straight to Skipped rather than
// entering compensation.
func dependentsSkipped(exec *Execution) []*StepExecution {
	var out []*StepExecution
	for _, s := range exec.Steps {
		if s.Status == StepPending {
			out = append(out, s)
		}
	}
	return out
}

// compensateReverseOrder, compensateParallel and compensateCustom each
// drive every eligible step's compensation to completion (success or
// failure of an individual compensating action does not stop the
// others) and always finish with SagaFailed once compensation has run:
// the saga's terminal state reflects the step failure that triggered
// compensation, not whether undoing prior work also succeeded.
func (o *Orchestrator) compensateReverseOrder(ctx context.Context, sagaID uuid.UUID, steps []*StepExecution) {
	ordered := make([]*StepExecution, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CompletionOrder > ordered[j].CompletionOrder })

	for _, s := range ordered {
		o.compensateOne(ctx, sagaID, s)
	}
	o.finishCompensation(ctx, sagaID, SagaFailed)
}

func (o *Orchestrator) compensateParallel(ctx context.Context, sagaID uuid.UUID, steps []*StepExecution) {
	var wg sync.WaitGroup
	for _, s := range steps {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.compensateOne(ctx, sagaID, s)
		}()
	}
	wg.Wait()
	o.finishCompensation(ctx, sagaID, SagaFailed)
}

func (o *Orchestrator) compensateCustom(ctx context.Context, sagaID uuid.UUID, eligible []*StepExecution, order []string) {
	byID := make(map[string]*StepExecution, len(eligible))
	for _, s := range eligible {
		byID[s.StepID] = s
	}

	for _, stepID := range order {
		s, ok := byID[stepID]
		if !ok {
			continue
		}
		delete(byID, stepID)
		o.compensateOne(ctx, sagaID, s)
	}

	// Anything eligible but not named in the custom order is left
	// uncompensated by design.
	o.mu.Lock()
	for _, s := range byID {
		s.Status = StepSkipped
	}
	o.mu.Unlock()

	o.finishCompensation(ctx, sagaID, SagaFailed)
}

// compensateOne invokes a single step's compensating action and records
// the outcome (Compensated or Failed). The bool return reports whether
// the compensating action itself succeeded, for callers that want to log
// or short-circuit; the saga's overall terminal state does not depend on
// it.
func (o *Orchestrator) compensateOne(ctx context.Context, sagaID uuid.UUID, step *StepExecution) bool {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	var globalContext map[string]interface{}
	if ok {
		globalContext = copyContext(exec.GlobalContext)
	}
	step.Status = StepCompensating
	o.mu.Unlock()
	if !ok {
		return false
	}

	executor, err := o.executors.lookup(step.ServiceName)
	if err != nil {
		o.markCompensationOutcome(ctx, sagaID, step, err)
		return err == nil
	}

	err = executor.Compensate(ctx, step, globalContext)
	o.markCompensationOutcome(ctx, sagaID, step, err)
	return err == nil
}

func (o *Orchestrator) markCompensationOutcome(ctx context.Context, sagaID uuid.UUID, step *StepExecution, err error) {
	o.mu.Lock()
	if err != nil {
		step.Status = StepFailed
		step.Error = errString(err)
	} else {
		step.Status = StepCompensated
	}
	exec := o.running[sagaID]
	if exec != nil {
		exec.UpdatedAt = time.Now()
	}
	o.mu.Unlock()

	eventType := "step_compensated"
	if err != nil {
		eventType = "step_compensation_failed"
	}
	if exec != nil {
		if emitErr := o.emit(ctx, sagaID, eventType, exec); emitErr != nil {
			o.log.Error("emit compensation outcome failed", "saga_id", sagaID, "step_id", step.StepID, "error", emitErr)
		}
	}
}

func (o *Orchestrator) finishCompensation(ctx context.Context, sagaID uuid.UUID, finalState SagaState) {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	if !ok {
		o.mu.Unlock()
		return
	}
	exec.State = finalState
	exec.UpdatedAt = time.Now()
	o.mu.Unlock()

	eventType := "saga_aborted"
	if finalState == SagaFailed {
		eventType = "saga_failed"
	}
	if err := o.emit(ctx, sagaID, eventType, exec); err != nil {
		o.log.Error("emit saga compensation outcome failed", "saga_id", sagaID, "error", err)
	}
}
