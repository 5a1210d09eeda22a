// Package pgstore is the durable Postgres-backed Store implementation.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/workflowcore/internal/eventstore"
	"github.com/lyzr/workflowcore/internal/platform/pg"
)

// Store persists envelopes to a Postgres table with a unique
// (aggregate_id, aggregate_version) constraint enforcing the
// uniqueness invariant, and a BIGSERIAL position column enforcing global
// append order for read_all/subscribe.
type Store struct {
	db *pg.DB
}

// New wraps an existing pool.
func New(db *pg.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL this store expects; callers run it once via their own
// migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS event_log (
	position          BIGSERIAL PRIMARY KEY,
	event_id          UUID NOT NULL UNIQUE,
	aggregate_id      UUID NOT NULL,
	aggregate_type    TEXT NOT NULL,
	aggregate_version BIGINT NOT NULL,
	event_type        TEXT NOT NULL,
	event_data        JSONB NOT NULL,
	metadata          JSONB NOT NULL,
	occurred_at       TIMESTAMPTZ NOT NULL,
	recorded_at       TIMESTAMPTZ NOT NULL,
	schema_version    INT NOT NULL DEFAULT 1,
	checksum          TEXT NOT NULL,
	UNIQUE (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS event_log_aggregate_idx ON event_log (aggregate_id, aggregate_version);
`

// AppendEvent implements eventstore.Store.
func (s *Store) AppendEvent(ctx context.Context, envelope *eventstore.Envelope) error {
	if envelope.EventID == uuid.Nil {
		envelope.EventID = uuid.New()
	}
	envelope.RecordedAt = time.Now()
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = envelope.RecordedAt
	}
	envelope.Checksum = envelope.ComputeChecksum()

	metadataJSON, err := json.Marshal(envelope.Metadata)
	if err != nil {
		return &eventstore.StoreError{Kind: eventstore.ErrSerialization, Err: fmt.Errorf("marshal metadata: %w", err)}
	}

	query := `
		INSERT INTO event_log (event_id, aggregate_id, aggregate_type, aggregate_version,
			event_type, event_data, metadata, occurred_at, recorded_at, schema_version, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING position
	`
	err = s.db.QueryRow(ctx, query,
		envelope.EventID, envelope.AggregateID, envelope.AggregateType, envelope.AggregateVersion,
		envelope.EventType, envelope.EventData, metadataJSON, envelope.OccurredAt, envelope.RecordedAt,
		envelope.SchemaVersion, envelope.Checksum,
	).Scan(&envelope.Position)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			current, fetchErr := s.currentVersion(ctx, envelope.AggregateID.String())
			expected := current + 1
			if fetchErr != nil {
				expected = -1
			}
			return &eventstore.StoreError{
				Kind:            eventstore.ErrConcurrencyConflict,
				AggregateID:     envelope.AggregateID.String(),
				ExpectedVersion: expected,
				ActualVersion:   envelope.AggregateVersion,
			}
		}
		return &eventstore.StoreError{Kind: eventstore.ErrStoreUnavailable, Err: fmt.Errorf("append event: %w", err)}
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM event_log WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	return version, err
}

// ReadStream implements eventstore.Store.
func (s *Store) ReadStream(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]*eventstore.Envelope, error) {
	query := `
		SELECT position, event_id, aggregate_id, aggregate_type, aggregate_version, event_type,
			event_data, metadata, occurred_at, recorded_at, schema_version, checksum
		FROM event_log
		WHERE aggregate_id = $1 AND aggregate_version >= $2
		ORDER BY aggregate_version ASC
	`
	args := []interface{}{aggregateID, fromVersion}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// ReadAll implements eventstore.Store.
func (s *Store) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]*eventstore.Envelope, error) {
	query := `
		SELECT position, event_id, aggregate_id, aggregate_type, aggregate_version, event_type,
			event_data, metadata, occurred_at, recorded_at, schema_version, checksum
		FROM event_log
		WHERE position >= $1
		ORDER BY position ASC
	`
	args := []interface{}{fromPosition}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Subscribe implements eventstore.Store by polling ReadAll in batches.
// Restartable catch-up subscriptions that need sub-second latency should
// layer the Redis stream mirror in eventstore/streammirror instead of
// polling Postgres directly; this implementation is the correctness
// baseline the mirror is verified against.
func (s *Store) Subscribe(ctx context.Context, fromPosition int64) (<-chan *eventstore.Envelope, error) {
	ch := make(chan *eventstore.Envelope, 64)
	go func() {
		defer close(ch)
		position := fromPosition
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			batch, err := s.ReadAll(ctx, position, 500)
			if err == nil {
				for _, e := range batch {
					select {
					case ch <- e:
						position = e.Position + 1
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

func scanEnvelopes(rows pgx.Rows) ([]*eventstore.Envelope, error) {
	var out []*eventstore.Envelope
	for rows.Next() {
		e := &eventstore.Envelope{}
		var metadataJSON []byte
		if err := rows.Scan(
			&e.Position, &e.EventID, &e.AggregateID, &e.AggregateType, &e.AggregateVersion,
			&e.EventType, &e.EventData, &metadataJSON, &e.OccurredAt, &e.RecordedAt,
			&e.SchemaVersion, &e.Checksum,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
