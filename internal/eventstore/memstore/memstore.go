// Package memstore is an in-memory Store implementation for tests and
// single-process deployments.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/workflowcore/internal/eventstore"
)

// Store is an in-memory, process-local event store.
type Store struct {
	mu         sync.RWMutex
	byPosition []*eventstore.Envelope
	streams    map[string][]*eventstore.Envelope // aggregateID -> envelopes ascending by version
	subs       []chan *eventstore.Envelope
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{streams: make(map[string][]*eventstore.Envelope)}
}

// AppendEvent implements eventstore.Store.
func (s *Store) AppendEvent(_ context.Context, envelope *eventstore.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	aggID := envelope.AggregateID.String()
	stream := s.streams[aggID]

	expected := int64(len(stream)) + 1
	if envelope.AggregateVersion == 0 {
		envelope.AggregateVersion = expected
	} else if envelope.AggregateVersion != expected {
		return &eventstore.StoreError{
			Kind:            eventstore.ErrConcurrencyConflict,
			AggregateID:     aggID,
			ExpectedVersion: expected,
			ActualVersion:   envelope.AggregateVersion,
		}
	}

	envelope.Position = int64(len(s.byPosition)) + 1
	envelope.RecordedAt = time.Now()
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = envelope.RecordedAt
	}
	envelope.Checksum = envelope.ComputeChecksum()

	s.streams[aggID] = append(stream, envelope)
	s.byPosition = append(s.byPosition, envelope)

	for _, sub := range s.subs {
		select {
		case sub <- envelope:
		default:
		}
	}
	return nil
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(_ context.Context, aggregateID string, fromVersion int64, limit int) ([]*eventstore.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	var out []*eventstore.Envelope
	for _, e := range stream {
		if e.AggregateVersion < fromVersion {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ReadAll implements eventstore.Store.
func (s *Store) ReadAll(_ context.Context, fromPosition int64, limit int) ([]*eventstore.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventstore.Envelope
	for _, e := range s.byPosition {
		if e.Position < fromPosition {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements eventstore.Store: the snapshot of history taken at
// registration time is replayed first, then the live feed delivers every
// append until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, fromPosition int64) (<-chan *eventstore.Envelope, error) {
	ch := make(chan *eventstore.Envelope, 64)

	s.mu.Lock()
	var history []*eventstore.Envelope
	for _, e := range s.byPosition {
		if e.Position >= fromPosition {
			history = append(history, e)
		}
	}
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		for _, e := range history {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}
