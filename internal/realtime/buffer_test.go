package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityBuffer_PopsHighestPriorityFirst(t *testing.T) {
	b := newPriorityBuffer(10)
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "low"}, Priority: PriorityLow})
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "critical"}, Priority: PriorityCritical})
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "normal"}, Priority: PriorityNormal})

	first, ok := b.popHighest()
	assert.True(t, ok)
	assert.Equal(t, "critical", first.Envelope.MessageID)

	second, ok := b.popHighest()
	assert.True(t, ok)
	assert.Equal(t, "normal", second.Envelope.MessageID)

	third, ok := b.popHighest()
	assert.True(t, ok)
	assert.Equal(t, "low", third.Envelope.MessageID)

	_, ok = b.popHighest()
	assert.False(t, ok)
}

func TestPriorityBuffer_EvictsOldestLowPriorityFirstWhenFull(t *testing.T) {
	b := newPriorityBuffer(2)
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "low-1"}, Priority: PriorityLow})
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "high-1"}, Priority: PriorityHigh})

	evicted := b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "high-2"}, Priority: PriorityHigh})
	assert.True(t, evicted)
	assert.Equal(t, 2, b.len())

	remaining := map[string]bool{}
	for {
		msg, ok := b.popHighest()
		if !ok {
			break
		}
		remaining[msg.Envelope.MessageID] = true
	}
	assert.False(t, remaining["low-1"], "the only low-priority entry should have been evicted")
	assert.True(t, remaining["high-1"])
	assert.True(t, remaining["high-2"])
}

func TestPriorityBuffer_EvictsOldestWhenNoLowPriorityEntryExists(t *testing.T) {
	b := newPriorityBuffer(2)
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "high-1"}, Priority: PriorityHigh})
	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "high-2"}, Priority: PriorityHigh})

	b.push(SessionMessage{Envelope: OutboundEnvelope{MessageID: "high-3"}, Priority: PriorityHigh})

	remaining := map[string]bool{}
	for {
		msg, ok := b.popHighest()
		if !ok {
			break
		}
		remaining[msg.Envelope.MessageID] = true
	}
	assert.False(t, remaining["high-1"], "oldest entry should be dropped when nothing is low-priority")
	assert.True(t, remaining["high-2"])
	assert.True(t, remaining["high-3"])
}
