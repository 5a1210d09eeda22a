package realtime

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// WireSender abstracts the transport a Session writes serialized
// envelopes to (the gorilla/websocket connection in production, a fake
// in tests). Transport concerns live in transport.go.
type WireSender interface {
	Send(envelope OutboundEnvelope) error
}

// Session is the actor owning one client connection: its outbound
// buffer, heartbeat state, and lifecycle. All
// mutation happens on its own goroutine, driven by its inbox channel —
// there is no lock shared with the Router.
type Session struct {
	ConnectionID string
	UserID       string

	cfg    Config
	wire   WireSender
	log    *logger.Logger
	router *Router

	inbox chan sessionCommand

	mu              sync.Mutex // guards only fields read by State from outside the actor goroutine
	state           SessionState
	missedHeartbeat int
	bufferDepth     int
}

type sessionCommand struct {
	kind    string // "deliver", "pong", "cleanup"
	message SessionMessage
	reason  string
}

// NewSession constructs a Session in Connecting state. Call Run to start
// its actor loop.
func NewSession(connectionID string, wire WireSender, cfg Config, router *Router, log *logger.Logger) *Session {
	return &Session{
		ConnectionID: connectionID,
		cfg:          cfg,
		wire:         wire,
		log:          log,
		router:       router,
		inbox:        make(chan sessionCommand, 64),
		state:        Connecting,
	}
}

// Deliver enqueues an outbound message for this session (called by the
// Router from its own goroutine — cross-actor message send).
func (s *Session) Deliver(msg SessionMessage) {
	select {
	case s.inbox <- sessionCommand{kind: "deliver", message: msg}:
	default:
		s.log.Warn("session inbox full, dropping delivery", "connection_id", s.ConnectionID)
	}
}

// Cleanup forces an immediate disconnect, used by SessionManager when a
// user exceeds MaxSessionsPerUser and by CleanupSession.
func (s *Session) Cleanup(reason string) {
	select {
	case s.inbox <- sessionCommand{kind: "cleanup", reason: reason}:
	default:
	}
}

// Pong records a heartbeat acknowledgment from the client.
func (s *Session) Pong() {
	select {
	case s.inbox <- sessionCommand{kind: "pong"}:
	default:
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(v SessionState) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// Authenticate transitions Connected -> Authenticated(user_id).
func (s *Session) Authenticate(userID string) {
	s.UserID = userID
	s.setState(Authenticated)
}

// Run is the Session actor's cooperative loop: single-threaded, driven
// entirely by inbox messages and its own heartbeat timer. Call in its own
// goroutine; returns when ctx is cancelled or the session disconnects.
func (s *Session) Run(ctx context.Context) {
	// A session authenticated during the handshake enters the loop already
	// past Connected; don't regress it.
	s.mu.Lock()
	if s.state == Connecting {
		s.state = Connected
	}
	s.mu.Unlock()

	buffer := newPriorityBuffer(s.cfg.MaxMessageBufferSize)
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	bufferMessage := func(msg SessionMessage) {
		if !s.cfg.EnableMessageBuffering {
			s.log.Warn("dropping message, buffering disabled", "connection_id", s.ConnectionID)
			return
		}
		evicted := buffer.push(msg)
		s.mu.Lock()
		s.bufferDepth = buffer.len()
		s.mu.Unlock()
		if evicted {
			s.log.Debug("outbound buffer evicted an entry", "connection_id", s.ConnectionID)
		}
	}

	trySend := func(msg SessionMessage) bool {
		for attempt := 0; attempt <= s.cfg.MessageRetryAttempts; attempt++ {
			if err := s.wire.Send(msg.Envelope); err == nil {
				return true
			}
		}
		return false
	}

	sendOrBuffer := func(msg SessionMessage) {
		if trySend(msg) {
			return
		}
		s.log.Warn("wire send failed, buffering for retry on next flush", "connection_id", s.ConnectionID)
		bufferMessage(msg)
	}

	// flush drains the buffer in priority order. An entry that still fails
	// after its retries is dropped, and the flush stops rather than
	// hammering a wire that is evidently down.
	flush := func() {
		for {
			msg, ok := buffer.popHighest()
			if !ok {
				break
			}
			if !trySend(msg) {
				s.log.Warn("dropping buffered message after retry exhaustion", "connection_id", s.ConnectionID, "message_id", msg.Envelope.MessageID)
				break
			}
		}
		s.mu.Lock()
		s.bufferDepth = buffer.len()
		s.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			s.disconnect("context cancelled")
			return

		case <-heartbeat.C:
			s.missedHeartbeat++
			if s.missedHeartbeat > s.cfg.MaxMissedHeartbeats {
				s.disconnect("missed heartbeat")
				return
			}
			if err := s.wire.Send(OutboundEnvelope{Type: "ping", Timestamp: time.Now()}); err != nil {
				s.disconnect("ping write failed")
				return
			}

		case cmd := <-s.inbox:
			switch cmd.kind {
			case "pong":
				s.missedHeartbeat = 0

			case "cleanup":
				s.disconnect(cmd.reason)
				return

			case "deliver":
				if s.State() == Connected || s.State() == Authenticated {
					flush()
					sendOrBuffer(cmd.message)
				} else {
					bufferMessage(cmd.message)
				}
			}
		}
	}
}

func (s *Session) disconnect(reason string) {
	s.setState(Disconnecting)
	if s.router != nil {
		s.router.Disconnect(s.ConnectionID)
	}
	s.setState(Disconnected)
	s.log.Info("session disconnected", "connection_id", s.ConnectionID, "reason", reason)
}

// priorityBuffer is a bounded outbound buffer. Eviction: at capacity,
// evict the oldest Low-priority entry first; if none exists, drop the
// oldest entry regardless.
type priorityBuffer struct {
	cap   int
	items *list.List // of SessionMessage, oldest at Front
}

func newPriorityBuffer(capacity int) *priorityBuffer {
	return &priorityBuffer{cap: capacity, items: list.New()}
}

// push appends msg, evicting one entry if the buffer was already full.
// Returns true if an eviction occurred.
func (b *priorityBuffer) push(msg SessionMessage) bool {
	evicted := false
	if b.items.Len() >= b.cap {
		b.evictOne()
		evicted = true
	}
	b.items.PushBack(msg)
	return evicted
}

func (b *priorityBuffer) evictOne() {
	for e := b.items.Front(); e != nil; e = e.Next() {
		if e.Value.(SessionMessage).Priority == PriorityLow {
			b.items.Remove(e)
			return
		}
	}
	if front := b.items.Front(); front != nil {
		b.items.Remove(front)
	}
}

// popHighest removes and returns the highest-priority entry, ties broken
// by insertion order (flush-in-priority-order).
func (b *priorityBuffer) popHighest() (SessionMessage, bool) {
	var best *list.Element
	for e := b.items.Front(); e != nil; e = e.Next() {
		if best == nil || e.Value.(SessionMessage).Priority > best.Value.(SessionMessage).Priority {
			best = e
		}
	}
	if best == nil {
		return SessionMessage{}, false
	}
	b.items.Remove(best)
	return best.Value.(SessionMessage), true
}

func (b *priorityBuffer) len() int {
	return b.items.Len()
}
