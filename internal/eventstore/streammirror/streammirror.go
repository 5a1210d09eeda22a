// Package streammirror mirrors appended envelopes into a Redis Stream so
// multiple projection consumers can run a catch-up subscription without
// re-polling Postgres on every tick.
package streammirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/internal/eventstore"
)

const defaultStream = "eventstore.envelopes"

// Mirror publishes appended envelopes to a Redis Stream and serves
// catch-up subscriptions from it via consumer groups.
type Mirror struct {
	redis  *redis.Client
	stream string
}

// New wraps a redis client. If stream is empty, a package default is used.
func New(client *redis.Client, stream string) *Mirror {
	if stream == "" {
		stream = defaultStream
	}
	return &Mirror{redis: client, stream: stream}
}

// Publish mirrors one envelope onto the stream. Call this after a
// successful AppendEvent.
func (m *Mirror) Publish(ctx context.Context, envelope *eventstore.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope for mirror: %w", err)
	}
	return m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		Values: map[string]interface{}{"envelope": payload, "position": envelope.Position},
	}).Err()
}

// Subscribe creates (if needed) a consumer group and streams envelopes to
// the returned channel starting after lastID ("0" for the beginning).
// Restarting with the last-seen stream ID resumes delivery without gaps,
// matching the catch-up contract.
func (m *Mirror) Subscribe(ctx context.Context, group, consumer, lastID string) (<-chan *eventstore.Envelope, error) {
	if lastID == "" {
		lastID = "0"
	}
	if err := m.redis.XGroupCreateMkStream(ctx, m.stream, group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	ch := make(chan *eventstore.Envelope, 64)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := m.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{m.stream, ">"},
				Count:    64,
				Block:    5 * time.Second,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for _, s := range streams {
				for _, msg := range s.Messages {
					raw, _ := msg.Values["envelope"].(string)
					var envelope eventstore.Envelope
					if err := json.Unmarshal([]byte(raw), &envelope); err == nil {
						select {
						case ch <- &envelope:
						case <-ctx.Done():
							return
						}
					}
					m.redis.XAck(ctx, m.stream, group, msg.ID)
				}
			}
		}
	}()
	return ch, nil
}
