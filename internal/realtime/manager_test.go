package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/realtime"
)

func TestManager_PresenceBroadcastOnlyOnAggregateChange(t *testing.T) {
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))

	cfg := realtime.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	manager := realtime.NewSessionManager(cfg, router, logger.Nop())
	go manager.Run(make(chan struct{}))

	_, observerWire := newConnectedSession(t, "c9", "carol", router)

	// First connection for alice flips her aggregate to Online.
	manager.UpdatePresence("c1", "alice", realtime.Online)
	first := expectEnvelope(t, observerWire, time.Second)
	require.Equal(t, "broadcast", first.Type)

	// A second connection for the same already-Online user must not
	// broadcast again: the aggregate did not change.
	manager.UpdatePresence("c2", "alice", realtime.Online)
	expectNoEnvelope(t, observerWire, 50*time.Millisecond)

	// Dropping one of two connections leaves the aggregate Online.
	manager.UpdatePresence("c1", "alice", realtime.Offline)
	expectNoEnvelope(t, observerWire, 50*time.Millisecond)

	// Dropping the last connection flips the aggregate to Offline.
	manager.UpdatePresence("c2", "alice", realtime.Offline)
	last := expectEnvelope(t, observerWire, time.Second)
	require.Equal(t, "broadcast", last.Type)
}

func TestManager_SessionBeyondPerUserLimitIsCleanedUp(t *testing.T) {
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))

	cfg := realtime.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.MaxSessionsPerUser = 1
	manager := realtime.NewSessionManager(cfg, router, logger.Nop())
	go manager.Run(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := realtime.NewSession("c1", newRecordingWire(), cfg, router, logger.Nop())
	first.Authenticate("alice")
	go first.Run(ctx)
	manager.TrackSession(first)

	second := realtime.NewSession("c2", newRecordingWire(), cfg, router, logger.Nop())
	second.Authenticate("alice")
	go second.Run(ctx)
	manager.TrackSession(second)

	require.Eventually(t, func() bool {
		return second.State() == realtime.Disconnected
	}, time.Second, 5*time.Millisecond, "session over the per-user limit should be cleaned up")
	require.NotEqual(t, realtime.Disconnected, first.State())
}
