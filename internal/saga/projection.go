package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/workflowcore/internal/eventstore"
	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// RebuildState tracks a projection's rebuild lifecycle.
type RebuildState string

const (
	RebuildRebuilding RebuildState = "rebuilding"
	RebuildReady      RebuildState = "ready"
	RebuildFailed     RebuildState = "failed"
)

// Projection is a read-model that folds saga lifecycle events into its
// own state. Apply must be idempotent under replay of the same event.
type Projection interface {
	Name() string
	Apply(ctx context.Context, envelope *eventstore.Envelope) error
	Reset(ctx context.Context) error
}

// RebuildConfig bounds the rebuild engine: batch size of the catch-up
// reads, how many rebuilds may run concurrently across projections, how
// stale a cursor may be before an incremental Resume is refused, and how
// long the catch-up phase may take before it is marked Failed.
type RebuildConfig struct {
	BatchSize         int
	Parallelism       int
	MaxIncrementalAge time.Duration
	RebuildTimeout    time.Duration
}

// DefaultRebuildConfig mirrors the projection defaults.
func DefaultRebuildConfig() RebuildConfig {
	return RebuildConfig{BatchSize: 256, Parallelism: 4, MaxIncrementalAge: 6 * time.Hour, RebuildTimeout: 5 * time.Minute}
}

// ProjectionManager replays the event log into registered projections and
// tracks each one's rebuild status, matching the catch-up-then-live
// subscription contract of the eventstore. Concurrent rebuilds are capped
// at cfg.Parallelism; two rebuilds of the same projection are mutually
// exclusive.
type ProjectionManager struct {
	store eventstore.Store
	log   *logger.Logger
	cfg   RebuildConfig
	slots chan struct{}

	mu          sync.RWMutex
	projections map[string]Projection
	states      map[string]RebuildState
	cursors     map[string]int64
	lastApplied map[string]time.Time
	rebuilding  map[string]bool
	liveCancels map[string]context.CancelFunc
}

// NewProjectionManager wires a Store that projections will replay from.
func NewProjectionManager(store eventstore.Store, log *logger.Logger) *ProjectionManager {
	return NewProjectionManagerWithConfig(store, log, DefaultRebuildConfig())
}

// NewProjectionManagerWithConfig is NewProjectionManager with explicit
// rebuild bounds.
func NewProjectionManagerWithConfig(store eventstore.Store, log *logger.Logger, cfg RebuildConfig) *ProjectionManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRebuildConfig().BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultRebuildConfig().Parallelism
	}
	return &ProjectionManager{
		store:       store,
		log:         log,
		cfg:         cfg,
		slots:       make(chan struct{}, cfg.Parallelism),
		projections: make(map[string]Projection),
		states:      make(map[string]RebuildState),
		cursors:     make(map[string]int64),
		lastApplied: make(map[string]time.Time),
		rebuilding:  make(map[string]bool),
		liveCancels: make(map[string]context.CancelFunc),
	}
}

// Register adds a projection and immediately starts a full rebuild from
// position 0.
func (m *ProjectionManager) Register(ctx context.Context, p Projection) {
	m.mu.Lock()
	m.projections[p.Name()] = p
	m.states[p.Name()] = RebuildRebuilding
	m.rebuilding[p.Name()] = true
	m.mu.Unlock()

	go m.rebuild(ctx, p, 0)
}

// Rebuild forces a full replay of name from position 0, resetting its
// read-model state first. Incremental catch-up (the common case after a
// transient disconnect) instead calls Resume with the last seen position.
// A rebuild already in flight for the same projection is an error.
func (m *ProjectionManager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.projections[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no projection registered as %q", name)
	}
	if m.rebuilding[name] {
		m.mu.Unlock()
		return fmt.Errorf("projection %q is already rebuilding", name)
	}
	m.rebuilding[name] = true
	m.states[name] = RebuildRebuilding
	m.mu.Unlock()

	if err := p.Reset(ctx); err != nil {
		m.mu.Lock()
		m.rebuilding[name] = false
		m.states[name] = RebuildFailed
		m.mu.Unlock()
		return fmt.Errorf("reset projection %q: %w", name, err)
	}
	go m.rebuild(ctx, p, 0)
	return nil
}

// Resume continues feeding a projection from its last recorded cursor,
// used after reconnecting a live subscription (incremental rebuild).
// Allowed only while the projection is Ready and its cursor is no older
// than the configured incremental age; otherwise callers must Rebuild.
func (m *ProjectionManager) Resume(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.projections[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no projection registered as %q", name)
	}
	if m.rebuilding[name] {
		m.mu.Unlock()
		return fmt.Errorf("projection %q is already rebuilding", name)
	}
	if m.states[name] != RebuildReady {
		m.mu.Unlock()
		return fmt.Errorf("projection %q is not Ready; a full Rebuild is required", name)
	}
	if m.cfg.MaxIncrementalAge > 0 {
		if last, seen := m.lastApplied[name]; seen && time.Since(last) > m.cfg.MaxIncrementalAge {
			m.mu.Unlock()
			return fmt.Errorf("projection %q cursor is older than %s; a full Rebuild is required", name, m.cfg.MaxIncrementalAge)
		}
	}
	from := m.cursors[name]
	m.rebuilding[name] = true
	m.mu.Unlock()

	go m.rebuild(ctx, p, from)
	return nil
}

// State reports a projection's current rebuild status.
func (m *ProjectionManager) State(name string) RebuildState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[name]
}

func (m *ProjectionManager) setState(name string, s RebuildState) {
	m.mu.Lock()
	m.states[name] = s
	m.mu.Unlock()
}

func (m *ProjectionManager) rebuild(parent context.Context, p Projection, from int64) {
	// A superseded run's live feed would double-apply every event next to
	// the new run's, so each rebuild replaces the previous run's context.
	m.mu.Lock()
	if prev := m.liveCancels[p.Name()]; prev != nil {
		prev()
	}
	ctx, cancelRun := context.WithCancel(parent)
	m.liveCancels[p.Name()] = cancelRun
	m.mu.Unlock()

	// One of cfg.Parallelism rebuild slots; held only for the catch-up
	// phase so a projection sitting on its live feed doesn't starve
	// rebuilds of others.
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.finishRebuild(p.Name(), RebuildFailed)
		return
	}

	catchupCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.RebuildTimeout > 0 {
		catchupCtx, cancel = context.WithTimeout(ctx, m.cfg.RebuildTimeout)
	}

	position, err := m.catchUp(catchupCtx, p, from)
	if cancel != nil {
		cancel()
	}
	<-m.slots
	if err != nil {
		m.log.Error("projection rebuild failed", "projection", p.Name(), "error", err)
		m.finishRebuild(p.Name(), RebuildFailed)
		return
	}

	m.finishRebuild(p.Name(), RebuildReady)

	sub, err := m.store.Subscribe(ctx, position)
	if err != nil {
		m.log.Error("projection live subscribe failed", "projection", p.Name(), "error", err)
		m.setState(p.Name(), RebuildFailed)
		return
	}
	for e := range sub {
		if err := p.Apply(ctx, e); err != nil {
			m.log.Error("projection live apply failed", "projection", p.Name(), "event_id", e.EventID, "error", err)
			m.setState(p.Name(), RebuildFailed)
			return
		}
		m.advanceCursor(p.Name(), e.Position+1)
	}
}

// catchUp replays the store in batches from position `from`, returning
// the next position the live subscription should start at.
func (m *ProjectionManager) catchUp(ctx context.Context, p Projection, from int64) (int64, error) {
	position := from
	for {
		envelopes, err := m.store.ReadAll(ctx, position, m.cfg.BatchSize)
		if err != nil {
			return position, fmt.Errorf("read batch at position %d: %w", position, err)
		}
		for _, e := range envelopes {
			if err := p.Apply(ctx, e); err != nil {
				return position, fmt.Errorf("apply event %s: %w", e.EventID, err)
			}
			position = e.Position + 1
			m.advanceCursor(p.Name(), position)
		}
		if len(envelopes) < m.cfg.BatchSize {
			return position, nil
		}
	}
}

func (m *ProjectionManager) advanceCursor(name string, position int64) {
	m.mu.Lock()
	m.cursors[name] = position
	m.lastApplied[name] = time.Now()
	m.mu.Unlock()
}

func (m *ProjectionManager) finishRebuild(name string, state RebuildState) {
	m.mu.Lock()
	m.states[name] = state
	m.rebuilding[name] = false
	m.mu.Unlock()
}

// SagaSummaryProjection is a minimal read-model tracking one row per saga:
// its current state and step count, folded from saga lifecycle events.
// It is intentionally simple; richer read-models (per-service latency,
// failure-rate dashboards) register their own Projection the same way.
type SagaSummaryProjection struct {
	mu   sync.RWMutex
	rows map[string]SagaSummary
}

// SagaSummary is one row of the read-model.
type SagaSummary struct {
	SagaID      string `json:"saga_id"`
	SagaType    string `json:"saga_type"`
	State       string `json:"state"`
	StepCount   int    `json:"step_count"`
	LastUpdated string `json:"last_updated"`
}

// NewSagaSummaryProjection returns an empty in-memory projection.
func NewSagaSummaryProjection() *SagaSummaryProjection {
	return &SagaSummaryProjection{rows: make(map[string]SagaSummary)}
}

func (p *SagaSummaryProjection) Name() string { return "saga_summary" }

func (p *SagaSummaryProjection) Apply(_ context.Context, envelope *eventstore.Envelope) error {
	if envelope.AggregateType != "saga" {
		return nil
	}
	var exec struct {
		SagaID    string           `json:"saga_id"`
		SagaType  string           `json:"saga_type"`
		State     string           `json:"state"`
		Steps     []json.RawMessage `json:"steps"`
		UpdatedAt string           `json:"updated_at"`
	}
	if err := json.Unmarshal(envelope.EventData, &exec); err != nil {
		return fmt.Errorf("decode saga event payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[exec.SagaID] = SagaSummary{
		SagaID:      exec.SagaID,
		SagaType:    exec.SagaType,
		State:       exec.State,
		StepCount:   len(exec.Steps),
		LastUpdated: exec.UpdatedAt,
	}
	return nil
}

func (p *SagaSummaryProjection) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = make(map[string]SagaSummary)
	return nil
}

// Get returns the current row for sagaID, if any.
func (p *SagaSummaryProjection) Get(sagaID string) (SagaSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row, ok := p.rows[sagaID]
	return row, ok
}
