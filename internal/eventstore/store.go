package eventstore

import (
	"context"
	"fmt"
)

// ErrorKind classifies append/read failures by kind.
type ErrorKind string

const (
	ErrConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	ErrSerialization       ErrorKind = "SerializationError"
	ErrStoreUnavailable    ErrorKind = "StoreUnavailable"
)

// StoreError wraps a store failure with its kind and, for conflicts, the
// expected/actual version so callers can refetch-and-retry.
type StoreError struct {
	Kind            ErrorKind
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
	Err             error
}

func (e *StoreError) Error() string {
	if e.Kind == ErrConcurrencyConflict {
		return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d", e.AggregateID, e.ExpectedVersion, e.ActualVersion)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the event store contract.
type Store interface {
	// AppendEvent persists envelope, enforcing (aggregate_id,
	// aggregate_version) uniqueness. envelope.AggregateVersion is the
	// expected next version; a stale value yields ConcurrencyConflict.
	AppendEvent(ctx context.Context, envelope *Envelope) error

	// ReadStream returns envelopes for aggregateID with version in
	// [fromVersion, fromVersion+limit), ascending. limit <= 0 means
	// unbounded.
	ReadStream(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]*Envelope, error)

	// ReadAll returns envelopes in global append order starting at
	// fromPosition (inclusive), bounded by limit (<=0 means unbounded).
	ReadAll(ctx context.Context, fromPosition int64, limit int) ([]*Envelope, error)

	// Subscribe returns a catch-up channel: historic events from
	// fromPosition are delivered first, in order, followed by live events
	// as they are appended. Closing ctx stops delivery and closes the
	// channel. The caller restarts a subscription by remembering the
	// position of the last event it successfully processed.
	Subscribe(ctx context.Context, fromPosition int64) (<-chan *Envelope, error)
}
