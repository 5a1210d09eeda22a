package realtime_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/realtime"
)

// recordingWire captures every envelope handed to Deliver via the Session
// it backs, letting router tests assert on what each connection received.
type recordingWire struct {
	out chan realtime.OutboundEnvelope
}

func newRecordingWire() *recordingWire {
	return &recordingWire{out: make(chan realtime.OutboundEnvelope, 16)}
}

func (w *recordingWire) Send(e realtime.OutboundEnvelope) error {
	w.out <- e
	return nil
}

func newConnectedSession(t *testing.T, connID, userID string, router *realtime.Router) (*realtime.Session, *recordingWire) {
	t.Helper()
	wire := newRecordingWire()
	cfg := realtime.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour // don't let heartbeats interfere with these tests
	session := realtime.NewSession(connID, wire, cfg, router, logger.Nop())
	go session.Run(context.Background())
	router.Connect(session)
	if userID != "" {
		session.Authenticate(userID)
		router.Authenticate(connID, userID)
	}
	return session, wire
}

func expectEnvelope(t *testing.T, wire *recordingWire, timeout time.Duration) realtime.OutboundEnvelope {
	t.Helper()
	select {
	case e := <-wire.out:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for envelope")
		return realtime.OutboundEnvelope{}
	}
}

func expectNoEnvelope(t *testing.T, wire *recordingWire, wait time.Duration) {
	t.Helper()
	select {
	case e := <-wire.out:
		t.Fatalf("expected no envelope, got %+v", e)
	case <-time.After(wait):
	}
}

// TestRouter_DirectMessageDeliversAndConfirms exercises the scenario of a
// direct message from one authenticated connection to another user: the
// recipient gets the content and the sender gets a delivered confirmation.
func TestRouter_DirectMessageDeliversAndConfirms(t *testing.T) {
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))

	_, aliceWire := newConnectedSession(t, "c1", "alice", router)
	_, bobWire := newConnectedSession(t, "c2", "bob", router)

	content, _ := json.Marshal(map[string]string{"text": "hi bob"})
	router.RouteMessage(realtime.InboundPayload{
		Kind:     realtime.InboundDirect,
		MessageID: "msg-1",
		From:     "alice",
		FromConn: "c1",
		To:       "bob",
		Content:  content,
		Priority: realtime.PriorityNormal,
	})

	received := expectEnvelope(t, bobWire, time.Second)
	assert.Equal(t, "direct", received.Type)
	assert.JSONEq(t, string(content), string(received.Content))

	confirmation := expectEnvelope(t, aliceWire, time.Second)
	assert.Equal(t, "delivery_confirmation", confirmation.Type)
	var conf realtime.DeliveryConfirmation
	require.NoError(t, json.Unmarshal(confirmation.Content, &conf))
	assert.Equal(t, realtime.Delivered, conf.Status)
	assert.Equal(t, "msg-1", conf.MessageID)
}

func TestRouter_DirectMessageToOfflineUserReportsFailed(t *testing.T) {
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))

	_, aliceWire := newConnectedSession(t, "c1", "alice", router)

	router.RouteMessage(realtime.InboundPayload{
		Kind:      realtime.InboundDirect,
		MessageID: "msg-2",
		From:      "alice",
		FromConn:  "c1",
		To:        "nobody",
		Priority:  realtime.PriorityNormal,
	})

	confirmation := expectEnvelope(t, aliceWire, time.Second)
	var conf realtime.DeliveryConfirmation
	require.NoError(t, json.Unmarshal(confirmation.Content, &conf))
	assert.Equal(t, realtime.Failed, conf.Status)
}

func TestRouter_TopicMessageExcludesSender(t *testing.T) {
	router := realtime.NewRouter(logger.Nop(), nil, nil)
	go router.Run(make(chan struct{}))

	_, senderWire := newConnectedSession(t, "c1", "alice", router)
	_, subWire := newConnectedSession(t, "c2", "bob", router)

	router.Subscribe("c1", "room-1")
	router.Subscribe("c2", "room-1")
	time.Sleep(10 * time.Millisecond)

	router.RouteMessage(realtime.InboundPayload{
		Kind:     realtime.InboundTopic,
		MessageID: "msg-3",
		From:     "alice",
		FromConn: "c1",
		Topic:    "room-1",
		Priority: realtime.PriorityNormal,
	})

	received := expectEnvelope(t, subWire, time.Second)
	assert.Equal(t, "topic", received.Type)
	confirmation := expectEnvelope(t, senderWire, time.Second)
	assert.Equal(t, "delivery_confirmation", confirmation.Type)
	expectNoEnvelope(t, senderWire, 50*time.Millisecond)
}

func TestRouter_RuleFiltersTargetsByUserID(t *testing.T) {
	rules := []realtime.Rule{
		{
			Name:   "vip-only-broadcast",
			Match:  `kind == "broadcast"`,
			Action: realtime.RuleAction{FilterUserIDs: []string{"bob"}, Terminal: true},
		},
	}
	router := realtime.NewRouter(logger.Nop(), nil, rules)
	go router.Run(make(chan struct{}))

	_, senderWire := newConnectedSession(t, "c1", "alice", router)
	_, bobWire := newConnectedSession(t, "c2", "bob", router)
	_, carolWire := newConnectedSession(t, "c3", "carol", router)

	router.RouteMessage(realtime.InboundPayload{
		Kind:     realtime.InboundBroadcast,
		MessageID: "msg-4",
		From:     "alice",
		FromConn: "c1",
		Priority: realtime.PriorityNormal,
	})

	received := expectEnvelope(t, bobWire, time.Second)
	assert.Equal(t, "broadcast", received.Type)
	expectNoEnvelope(t, carolWire, 50*time.Millisecond)
	// sender still gets its delivery confirmation even though it was
	// filtered out of the fan-out
	confirmation := expectEnvelope(t, senderWire, time.Second)
	assert.Equal(t, "delivery_confirmation", confirmation.Type)
}

func TestRouter_RuleRewritesTopicWhenConditionMatches(t *testing.T) {
	rules := []realtime.Rule{
		{
			Name:   "escalate-urgent",
			Match:  `topic == "support" && priority == 2`,
			Action: realtime.RuleAction{RewriteTopic: "support-urgent"},
		},
	}
	router := realtime.NewRouter(logger.Nop(), nil, rules)
	go router.Run(make(chan struct{}))

	_, senderWire := newConnectedSession(t, "c1", "alice", router)
	_, subWire := newConnectedSession(t, "c2", "bob", router)
	router.Subscribe("c2", "support-urgent")
	time.Sleep(10 * time.Millisecond)

	router.RouteMessage(realtime.InboundPayload{
		Kind:      realtime.InboundTopic,
		MessageID: "msg-5",
		From:      "alice",
		FromConn:  "c1",
		Topic:     "support",
		Priority:  realtime.PriorityHigh,
	})

	received := expectEnvelope(t, subWire, time.Second)
	assert.Equal(t, "topic", received.Type)
	expectEnvelope(t, senderWire, time.Second) // delivery confirmation
}

func TestRouter_RuleWithInvalidExpressionIsSkipped(t *testing.T) {
	rules := []realtime.Rule{
		{Name: "broken", Match: `not ( valid cel`, Action: realtime.RuleAction{Terminal: true}},
	}
	router := realtime.NewRouter(logger.Nop(), nil, rules)
	go router.Run(make(chan struct{}))

	_, aliceWire := newConnectedSession(t, "c1", "alice", router)
	_, bobWire := newConnectedSession(t, "c2", "bob", router)

	router.RouteMessage(realtime.InboundPayload{
		Kind:      realtime.InboundDirect,
		MessageID: "msg-6",
		From:      "alice",
		FromConn:  "c1",
		To:        "bob",
		Priority:  realtime.PriorityNormal,
	})

	// An unevaluable rule is skipped rather than blocking routing.
	received := expectEnvelope(t, bobWire, time.Second)
	assert.Equal(t, "direct", received.Type)
	expectEnvelope(t, aliceWire, time.Second)
}
