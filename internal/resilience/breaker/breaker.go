// Package breaker implements a sliding-window circuit breaker with
// slow-call detection and a bounded half-open admission window.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// State is a breaker's position in Closed -> Open -> HalfOpen -> Closed.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Rejected is returned by Execute when the breaker refuses to attempt
// the call at all.
type Rejected struct {
	Name   string
	State  State
	Reason string
}

func (r *Rejected) Error() string {
	return "circuit breaker " + r.Name + " rejected call: " + r.Reason
}

// ErrSlowCall marks a call that completed but exceeded SlowCallThreshold.
var ErrSlowCall = errors.New("slow call")

// Config controls a breaker's thresholds.
type Config struct {
	Name                   string
	WindowSize             int           // number of recent results retained
	FailureThreshold       float64       // fraction, e.g. 0.5
	SlowCallThreshold      time.Duration // a call slower than this counts as a slow call
	SlowCallRateThreshold  float64       // fraction of slow calls that opens the breaker
	MinimumThroughput      int           // rate checks apply only once the window holds more than this many calls
	OpenTimeout            time.Duration // Open -> HalfOpen after this elapses
	SuccessThreshold       int           // consecutive HalfOpen successes needed to close
	MaxRequestsInHalfOpen  int           // concurrent admission cap while HalfOpen
}

// DefaultConfig mirrors the breaker defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		WindowSize:            20,
		FailureThreshold:      0.5,
		SlowCallThreshold:     2 * time.Second,
		SlowCallRateThreshold: 0.5,
		MinimumThroughput:     10,
		OpenTimeout:           30 * time.Second,
		SuccessThreshold:      3,
		MaxRequestsInHalfOpen: 5,
	}
}

type callResult struct {
	success bool
	slow    bool
	at      time.Time
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	cfg Config
	log *logger.Logger

	mu              sync.Mutex
	state           State
	window          []callResult
	openedAt        time.Time
	halfOpenInFlight int
	halfOpenSuccess int
}

// New builds a breaker in the Closed state.
func New(cfg Config, log *logger.Logger) *Breaker {
	return &Breaker{cfg: cfg, log: log, state: Closed}
}

// Execute runs fn under breaker protection. If the breaker rejects the
// call, fn is never invoked and a *Rejected error is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	b.record(err == nil, duration)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.transitionLocked(HalfOpen)
			b.halfOpenInFlight = 1
			return nil
		}
		return &Rejected{Name: b.cfg.Name, State: Open, Reason: "breaker open"}
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxRequestsInHalfOpen {
			return &Rejected{Name: b.cfg.Name, State: HalfOpen, Reason: "half-open admission cap reached"}
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := duration > b.cfg.SlowCallThreshold
	b.window = append(b.window, callResult{success: success, slow: slow, at: time.Now()})
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		if !success {
			b.transitionLocked(Open)
			b.openedAt = time.Now()
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	case Closed:
		if b.shouldOpenLocked() {
			b.transitionLocked(Open)
			b.openedAt = time.Now()
		}
	}
}

func (b *Breaker) shouldOpenLocked() bool {
	// Strictly more than MinimumThroughput calls before the first rate
	// check: a window sitting exactly at the minimum with a borderline
	// failure rate stays Closed until one more call confirms the trend.
	if len(b.window) <= b.cfg.MinimumThroughput {
		return false
	}
	var failures, slows int
	for _, r := range b.window {
		if !r.success {
			failures++
		}
		if r.slow {
			slows++
		}
	}
	total := len(b.window)
	failureRate := float64(failures) / float64(total)
	slowRate := float64(slows) / float64(total)
	return failureRate >= b.cfg.FailureThreshold || slowRate >= b.cfg.SlowCallRateThreshold
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if to == HalfOpen {
		b.halfOpenSuccess = 0
	}
	if to == Closed {
		b.window = nil
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
	}
	if from != to {
		b.log.Info("circuit breaker state transition", "breaker", b.cfg.Name, "from", from.String(), "to", to.String())
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds named breakers shared across a process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	log      *logger.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), log: log}
}

// GetOrCreate returns the named breaker, creating it with cfg if absent.
func (r *Registry) GetOrCreate(cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b
	}
	b := New(cfg, r.log)
	r.breakers[cfg.Name] = b
	return b
}

// Get retrieves a registered breaker by name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}
