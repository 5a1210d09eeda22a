package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// startTimeoutMonitor arms a one-shot timer that forces a still-running
// saga into compensation once TotalTimeout elapses.
func (o *Orchestrator) startTimeoutMonitor(sagaID uuid.UUID, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		o.onTimeout(context.WithoutCancel(context.Background()), sagaID)
	})

	o.mu.Lock()
	o.timeoutTimers[sagaID] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) onTimeout(ctx context.Context, sagaID uuid.UUID) {
	o.mu.Lock()
	exec, ok := o.running[sagaID]
	if !ok || exec.State != SagaRunning {
		o.mu.Unlock()
		return
	}
	o.log.Warn("saga total_timeout exceeded", "saga_id", sagaID)
	o.mu.Unlock()

	o.startCompensation(ctx, sagaID)
}

// cancelTimeoutMonitor stops a saga's timeout timer once it reaches a
// terminal state outside of timeout (completed normally, or already
// compensating). Safe to call unconditionally.
func (o *Orchestrator) cancelTimeoutMonitor(sagaID uuid.UUID) {
	o.mu.Lock()
	timer, ok := o.timeoutTimers[sagaID]
	if ok {
		delete(o.timeoutTimers, sagaID)
	}
	o.mu.Unlock()
	if ok {
		timer.Stop()
	}
}
