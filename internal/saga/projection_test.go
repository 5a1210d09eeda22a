package saga_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/eventstore"
	"github.com/lyzr/workflowcore/internal/eventstore/memstore"
	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/saga"
)

func waitForState(t *testing.T, mgr *saga.ProjectionManager, name string, want saga.RebuildState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mgr.State(name) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("projection %q did not reach state %q, last was %q", name, want, mgr.State(name))
}

func TestProjectionManager_RegisterReplaysExistingEvents(t *testing.T) {
	store := memstore.New()
	registry := saga.NewExecutorRegistry()
	registry.Register("svc", succeeding())
	orch := saga.NewOrchestrator(store, registry, logger.Nop())

	def := saga.Definition{SagaType: "order_fulfillment", Steps: []saga.StepDefinition{{StepID: "only", ServiceName: "svc"}}}
	sagaID, err := orch.StartSaga(context.Background(), def, map[string]interface{}{"order_id": "o-1"})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		e, _ := orch.Get(sagaID)
		if e.State == saga.SagaCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mgr := saga.NewProjectionManager(store, logger.Nop())
	summary := saga.NewSagaSummaryProjection()
	mgr.Register(context.Background(), summary)

	waitForState(t, mgr, summary.Name(), saga.RebuildReady, time.Second)

	row, ok := summary.Get(sagaID.String())
	require.True(t, ok, "summary should have a row for the replayed saga")
	assert.Equal(t, string(saga.SagaCompleted), row.State)
	assert.Equal(t, 1, row.StepCount)
}

func TestProjectionManager_RebuildResetsAndReplaysAgain(t *testing.T) {
	store := memstore.New()
	registry := saga.NewExecutorRegistry()
	registry.Register("svc", succeeding())
	orch := saga.NewOrchestrator(store, registry, logger.Nop())

	def := saga.Definition{SagaType: "order_fulfillment", Steps: []saga.StepDefinition{{StepID: "only", ServiceName: "svc"}}}
	sagaID, err := orch.StartSaga(context.Background(), def, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		e, _ := orch.Get(sagaID)
		if e.State == saga.SagaCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mgr := saga.NewProjectionManager(store, logger.Nop())
	summary := saga.NewSagaSummaryProjection()
	mgr.Register(context.Background(), summary)
	waitForState(t, mgr, summary.Name(), saga.RebuildReady, time.Second)

	require.NoError(t, mgr.Rebuild(context.Background(), summary.Name()))
	waitForState(t, mgr, summary.Name(), saga.RebuildReady, time.Second)

	_, ok := summary.Get(sagaID.String())
	assert.True(t, ok, "a full rebuild from position 0 must reproduce the same row")
}

func TestProjectionManager_RebuildUnknownNameErrors(t *testing.T) {
	mgr := saga.NewProjectionManager(memstore.New(), logger.Nop())
	err := mgr.Rebuild(context.Background(), "does-not-exist")
	require.Error(t, err)
}

// blockingProjection parks in Apply until released, letting tests hold a
// rebuild in its catch-up phase deterministically.
type blockingProjection struct {
	release chan struct{}
}

func (p *blockingProjection) Name() string { return "blocking" }

func (p *blockingProjection) Apply(ctx context.Context, _ *eventstore.Envelope) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingProjection) Reset(context.Context) error { return nil }

func TestProjectionManager_ConcurrentRebuildOfSameProjectionRefused(t *testing.T) {
	store := memstore.New()
	registry := saga.NewExecutorRegistry()
	registry.Register("svc", succeeding())
	orch := saga.NewOrchestrator(store, registry, logger.Nop())
	def := saga.Definition{SagaType: "order_fulfillment", Steps: []saga.StepDefinition{{StepID: "only", ServiceName: "svc"}}}
	_, err := orch.StartSaga(context.Background(), def, nil)
	require.NoError(t, err)

	mgr := saga.NewProjectionManager(store, logger.Nop())
	p := &blockingProjection{release: make(chan struct{})}
	mgr.Register(context.Background(), p)

	// The registration rebuild is parked inside Apply, so a second
	// rebuild of the same projection must be refused.
	err = mgr.Rebuild(context.Background(), p.Name())
	require.Error(t, err)
	assert.Equal(t, saga.RebuildRebuilding, mgr.State(p.Name()))

	close(p.release)
	waitForState(t, mgr, p.Name(), saga.RebuildReady, time.Second)
}

func TestProjectionManager_ResumeRequiresReadyProjection(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.AppendEvent(context.Background(), &eventstore.Envelope{
		EventID:       uuid.New(),
		AggregateID:   uuid.New(),
		AggregateType: "saga",
		EventType:     "saga_started",
		EventData:     json.RawMessage(`{}`),
	}))

	mgr := saga.NewProjectionManager(store, logger.Nop())
	p := &blockingProjection{release: make(chan struct{})}
	mgr.Register(context.Background(), p)

	// Parked in catch-up: the projection is Rebuilding, so an incremental
	// resume is refused.
	require.Error(t, mgr.Resume(context.Background(), p.Name()))

	close(p.release)
	waitForState(t, mgr, p.Name(), saga.RebuildReady, time.Second)
}
