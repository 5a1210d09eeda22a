package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// SnapshotConfig controls when a saga's Execution state is checkpointed
// into a SnapshotStore. Projection rebuilds do not read snapshots; they
// replay the event log.
type SnapshotConfig struct {
	EventCountThreshold int           // snapshot after this many events since the last one
	TimeInterval        time.Duration // snapshot after this much wall time since the last one
	EstimatedSizeBytes  int           // snapshot once the accumulated event payload size crosses this
	MemoryShareBytes    int64         // snapshot once process RSS estimate crosses this share
	MinInterval         time.Duration // never snapshot more often than this, regardless of other triggers
}

// DefaultSnapshotConfig mirrors the saga defaults.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		EventCountThreshold: 100,
		TimeInterval:        5 * time.Minute,
		EstimatedSizeBytes:  1 << 20, // 1 MiB
		MemoryShareBytes:    0,       // disabled unless a caller sets it
		MinInterval:         30 * time.Second,
	}
}

// Snapshot is a point-in-time checkpoint of a saga's Execution.
type Snapshot struct {
	SagaID    uuid.UUID       `json:"saga_id"`
	Position  int64           `json:"position"`
	State     json.RawMessage `json:"state"`
	TakenAt   time.Time       `json:"taken_at"`
	EventSeen int             `json:"event_seen"`
}

// SnapshotStore persists and retrieves the latest snapshot per saga.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Latest(ctx context.Context, sagaID uuid.UUID) (Snapshot, bool, error)
}

// MemorySnapshotStore is an in-process SnapshotStore, useful for tests and
// single-process deployments. It is the only SnapshotStore in this module
// and the one cmd/orchestratord uses; snapshots do not survive a restart.
type MemorySnapshotStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]Snapshot
}

// NewMemorySnapshotStore returns an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byID: make(map[uuid.UUID]Snapshot)}
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[snap.SagaID] = snap
	return nil
}

func (s *MemorySnapshotStore) Latest(_ context.Context, sagaID uuid.UUID) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[sagaID]
	return snap, ok, nil
}

// SnapshotTrigger decides, per saga, whether accumulated activity since
// the last snapshot warrants taking a new one. It implements the four
// independent conditions: event count, time elapsed,
// estimated payload size, and memory share, each gated by MinInterval.
type SnapshotTrigger struct {
	cfg   SnapshotConfig
	store SnapshotStore
	log   *logger.Logger

	mu        sync.Mutex
	lastTaken map[uuid.UUID]time.Time
	eventsAcc map[uuid.UUID]int
	bytesAcc  map[uuid.UUID]int
}

// NewSnapshotTrigger wires a SnapshotConfig and backing SnapshotStore.
func NewSnapshotTrigger(cfg SnapshotConfig, store SnapshotStore, log *logger.Logger) *SnapshotTrigger {
	return &SnapshotTrigger{
		cfg:       cfg,
		store:     store,
		log:       log,
		lastTaken: make(map[uuid.UUID]time.Time),
		eventsAcc: make(map[uuid.UUID]int),
		bytesAcc:  make(map[uuid.UUID]int),
	}
}

// Observe records one emitted event for sagaID and, if a trigger
// condition fires and MinInterval has elapsed, takes a snapshot.
func (t *SnapshotTrigger) Observe(ctx context.Context, sagaID uuid.UUID, position int64, payloadSize int, currentState json.RawMessage, processRSS int64) {
	t.mu.Lock()
	t.eventsAcc[sagaID]++
	t.bytesAcc[sagaID] += payloadSize
	events := t.eventsAcc[sagaID]
	bytes := t.bytesAcc[sagaID]
	last := t.lastTaken[sagaID]
	t.mu.Unlock()

	if !last.IsZero() && time.Since(last) < t.cfg.MinInterval {
		return
	}

	fired := false
	switch {
	case t.cfg.EventCountThreshold > 0 && events >= t.cfg.EventCountThreshold:
		fired = true
	case t.cfg.TimeInterval > 0 && !last.IsZero() && time.Since(last) >= t.cfg.TimeInterval:
		fired = true
	case t.cfg.EstimatedSizeBytes > 0 && bytes >= t.cfg.EstimatedSizeBytes:
		fired = true
	case t.cfg.MemoryShareBytes > 0 && processRSS >= t.cfg.MemoryShareBytes:
		fired = true
	case last.IsZero() && t.cfg.TimeInterval > 0:
		// First observation with a time-based policy: don't wait a full
		// interval before the very first checkpoint.
		fired = true
	}

	if !fired {
		return
	}

	t.takeLocked(ctx, sagaID, position, events, currentState)
}

// Trigger takes a snapshot regardless of accumulated thresholds (manual
// trigger support). The minimum inter-snapshot interval still applies.
func (t *SnapshotTrigger) Trigger(ctx context.Context, sagaID uuid.UUID, position int64, currentState json.RawMessage) error {
	t.mu.Lock()
	events := t.eventsAcc[sagaID]
	last := t.lastTaken[sagaID]
	t.mu.Unlock()

	if !last.IsZero() && time.Since(last) < t.cfg.MinInterval {
		return fmt.Errorf("snapshot for saga %s declined: last taken %s ago, minimum interval %s", sagaID, time.Since(last).Round(time.Second), t.cfg.MinInterval)
	}
	return t.save(ctx, sagaID, position, events, currentState)
}

func (t *SnapshotTrigger) takeLocked(ctx context.Context, sagaID uuid.UUID, position int64, events int, currentState json.RawMessage) {
	if err := t.save(ctx, sagaID, position, events, currentState); err != nil {
		t.log.Error("snapshot save failed", "saga_id", sagaID, "error", err)
		return
	}
}

func (t *SnapshotTrigger) save(ctx context.Context, sagaID uuid.UUID, position int64, events int, currentState json.RawMessage) error {
	snap := Snapshot{
		SagaID:    sagaID,
		Position:  position,
		State:     currentState,
		TakenAt:   time.Now(),
		EventSeen: events,
	}
	if err := t.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot for saga %s: %w", sagaID, err)
	}

	t.mu.Lock()
	t.lastTaken[sagaID] = snap.TakenAt
	t.eventsAcc[sagaID] = 0
	t.bytesAcc[sagaID] = 0
	t.mu.Unlock()
	return nil
}
