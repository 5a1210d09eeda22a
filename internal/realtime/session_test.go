package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/realtime"
)

// fakeWire records every envelope sent through it and can be told to fail
// every Send call, to exercise the Session's retry-then-buffer path.
type fakeWire struct {
	mu      sync.Mutex
	sent    []realtime.OutboundEnvelope
	failing bool
}

func (w *fakeWire) Send(e realtime.OutboundEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return assert.AnError
	}
	w.sent = append(w.sent, e)
	return nil
}

func (w *fakeWire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func (w *fakeWire) setFailing(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = v
}

func testConfig() realtime.Config {
	cfg := realtime.DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	cfg.MessageRetryAttempts = 1
	cfg.MaxMessageBufferSize = 4
	return cfg
}

func TestSession_DeliversMessageOnceConnected(t *testing.T) {
	wire := &fakeWire{}
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))
	session := realtime.NewSession("conn-1", wire, testConfig(), router, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.Deliver(realtime.SessionMessage{
		Envelope: realtime.OutboundEnvelope{Type: "message_received", MessageID: "m1"},
		Priority: realtime.PriorityNormal,
	})

	require.Eventually(t, func() bool { return wire.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_BuffersAndFlushesWhenWireRecovers(t *testing.T) {
	wire := &fakeWire{failing: true}
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Hour
	session := realtime.NewSession("conn-2", wire, cfg, router, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	session.Deliver(realtime.SessionMessage{
		Envelope: realtime.OutboundEnvelope{Type: "message_received", MessageID: "m1"},
		Priority: realtime.PriorityNormal,
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, wire.count(), "send should have failed and been re-buffered, not delivered")

	wire.setFailing(false)
	session.Deliver(realtime.SessionMessage{
		Envelope: realtime.OutboundEnvelope{Type: "message_received", MessageID: "m2"},
		Priority: realtime.PriorityNormal,
	})

	require.Eventually(t, func() bool { return wire.count() == 2 }, time.Second, 5*time.Millisecond,
		"buffered m1 and fresh m2 should both flush once the wire recovers")
}

func TestSession_DisconnectsAfterMissedHeartbeats(t *testing.T) {
	wire := &fakeWire{}
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))
	cfg := testConfig()
	session := realtime.NewSession("conn-3", wire, cfg, router, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	require.Eventually(t, func() bool {
		return session.State() == realtime.Disconnected
	}, time.Second, 5*time.Millisecond, "session never heartbeats back so it should self-disconnect")
}
