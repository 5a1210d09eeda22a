package saga_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/saga"
)

func TestSnapshotTrigger_ObserveFiresOnEventCountThreshold(t *testing.T) {
	store := saga.NewMemorySnapshotStore()
	cfg := saga.SnapshotConfig{EventCountThreshold: 3, MinInterval: 0}
	trigger := saga.NewSnapshotTrigger(cfg, store, logger.Nop())

	sagaID := uuid.New()
	state := json.RawMessage(`{"state":"running"}`)
	for i := 1; i <= 3; i++ {
		trigger.Observe(context.Background(), sagaID, int64(i), 10, state, 0)
	}

	snap, ok, err := store.Latest(context.Background(), sagaID)
	require.NoError(t, err)
	require.True(t, ok, "event count threshold should have taken a snapshot")
	assert.Equal(t, int64(3), snap.Position)
	assert.Equal(t, 3, snap.EventSeen)
}

func TestSnapshotTrigger_ObserveHonorsMinInterval(t *testing.T) {
	store := saga.NewMemorySnapshotStore()
	cfg := saga.SnapshotConfig{EventCountThreshold: 1, MinInterval: time.Hour}
	trigger := saga.NewSnapshotTrigger(cfg, store, logger.Nop())

	sagaID := uuid.New()
	state := json.RawMessage(`{}`)
	trigger.Observe(context.Background(), sagaID, 1, 1, state, 0)
	_, ok, _ := store.Latest(context.Background(), sagaID)
	require.True(t, ok, "first observation takes a snapshot immediately")

	trigger.Observe(context.Background(), sagaID, 2, 1, state, 0)
	snap, _, _ := store.Latest(context.Background(), sagaID)
	assert.Equal(t, int64(1), snap.Position, "second observation within MinInterval must not re-snapshot")
}

func TestSnapshotTrigger_ObserveFiresOnSizeThreshold(t *testing.T) {
	store := saga.NewMemorySnapshotStore()
	cfg := saga.SnapshotConfig{EstimatedSizeBytes: 100, MinInterval: 0}
	trigger := saga.NewSnapshotTrigger(cfg, store, logger.Nop())

	sagaID := uuid.New()
	state := json.RawMessage(`{}`)
	trigger.Observe(context.Background(), sagaID, 1, 40, state, 0)
	_, ok, _ := store.Latest(context.Background(), sagaID)
	require.False(t, ok, "below the size threshold, no snapshot yet")

	trigger.Observe(context.Background(), sagaID, 2, 70, state, 0)
	_, ok, _ = store.Latest(context.Background(), sagaID)
	assert.True(t, ok, "accumulated payload size crossing the threshold must trigger a snapshot")
}

func TestSnapshotTrigger_TriggerForcesImmediateSnapshot(t *testing.T) {
	store := saga.NewMemorySnapshotStore()
	cfg := saga.SnapshotConfig{MinInterval: time.Hour} // every auto-condition effectively disabled
	trigger := saga.NewSnapshotTrigger(cfg, store, logger.Nop())

	sagaID := uuid.New()
	state := json.RawMessage(`{"state":"manual"}`)
	require.NoError(t, trigger.Trigger(context.Background(), sagaID, 5, state))

	snap, ok, err := store.Latest(context.Background(), sagaID)
	require.NoError(t, err)
	require.True(t, ok, "a manual trigger must take a snapshot, bypassing the automatic thresholds")
	assert.Equal(t, int64(5), snap.Position)

	// A second manual trigger inside the minimum interval is declined.
	err = trigger.Trigger(context.Background(), sagaID, 6, state)
	require.Error(t, err)
	snap, _, _ = store.Latest(context.Background(), sagaID)
	assert.Equal(t, int64(5), snap.Position)
}
