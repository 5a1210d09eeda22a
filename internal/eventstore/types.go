// Package eventstore implements the append-only event log that backs the
// saga orchestrator: append/read/read_all/subscribe, enforcing per-aggregate
// event uniqueness and strictly monotonic version numbers.
package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metadata carries cross-cutting envelope metadata.
type Metadata struct {
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Custom        json.RawMessage   `json:"custom,omitempty"`
}

// Envelope is an append-only event record. Once appended it
// is never mutated.
type Envelope struct {
	EventID          uuid.UUID       `json:"event_id"`
	AggregateID      uuid.UUID       `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	EventType        string          `json:"event_type"`
	EventData        json.RawMessage `json:"event_data"`
	Metadata         Metadata        `json:"metadata"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	SchemaVersion    int             `json:"schema_version"`
	Checksum         string          `json:"checksum,omitempty"`

	// Position is the global, monotonically increasing append order used
	// by read_all/subscribe. It is assigned by the store, not the caller.
	Position int64 `json:"position"`
}

// ComputeChecksum returns a deterministic SHA-256 checksum over the
// fields that make an envelope unique, so a checksum mismatch after
// read-back flags storage corruption.
func (e *Envelope) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(e.EventID.String()))
	h.Write([]byte(e.AggregateID.String()))
	h.Write([]byte(e.EventType))
	h.Write(e.EventData)
	return hex.EncodeToString(h.Sum(nil))
}
