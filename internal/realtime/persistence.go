package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// Persister is the offline-message persistence collaborator: the router
// hands it messages asynchronously and never blocks on it; failures are
// the collaborator's problem to retry, not the router's.
type Persister interface {
	// Append records one routed message and its delivery targets.
	Append(payload InboundPayload, targets []string)
	// History backfills a conversation's messages before a timestamp.
	History(ctx context.Context, conversationID string, before time.Time, limit int) ([]StoredMessage, error)
}

// StoredMessage is one row of persisted message history.
type StoredMessage struct {
	MessageID string          `json:"message_id"`
	From      string          `json:"from"`
	Content   json.RawMessage `json:"content"`
	Targets   []string        `json:"targets"`
	At        time.Time       `json:"at"`
}

// RedisPersister backs offline persistence with a Redis sorted set per
// conversation (score = unix nanos).
type RedisPersister struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewRedisPersister wraps a redis client.
func NewRedisPersister(client *redis.Client, log *logger.Logger) *RedisPersister {
	return &RedisPersister{redis: client, log: log}
}

func conversationKey(conversationID string) string {
	return "realtime:history:" + conversationID
}

// Append stores the message under payload.ConversationID (falling back to
// the Topic, then the direct recipient pairing, as a conversation key
// when ConversationID is empty).
func (p *RedisPersister) Append(payload InboundPayload, targets []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	convID := payload.ConversationID
	if convID == "" {
		convID = payload.Topic
	}
	if convID == "" {
		convID = payload.From + ":" + payload.To
	}

	stored := StoredMessage{
		MessageID: payload.MessageID,
		From:      payload.From,
		Content:   payload.Content,
		Targets:   targets,
		At:        time.Now(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		p.log.Error("marshal stored message failed", "error", err)
		return
	}

	if err := p.redis.ZAdd(ctx, conversationKey(convID), redis.Z{
		Score:  float64(stored.At.UnixNano()),
		Member: data,
	}).Err(); err != nil {
		p.log.Error("persist offline message failed, will not be retried by the router", "conversation_id", convID, "error", err)
	}
}

// History returns messages older than `before`, newest first, capped at
// limit.
func (p *RedisPersister) History(ctx context.Context, conversationID string, before time.Time, limit int) ([]StoredMessage, error) {
	max := fmt.Sprintf("(%d", before.UnixNano())
	raw, err := p.redis.ZRevRangeByScore(ctx, conversationKey(conversationID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read message history for %q: %w", conversationID, err)
	}

	out := make([]StoredMessage, 0, len(raw))
	for _, item := range raw {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			p.log.Warn("skipping corrupt history entry", "conversation_id", conversationID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
