package realtime

import (
	"encoding/json"
	"time"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

type presenceEntry struct {
	connections map[string]bool
	lastActive  time.Time
	aggregate   PresenceStatus
}

type typingEntry struct {
	userID string
	at     time.Time
}

// SessionManager owns presence and typing-indicator state and runs the
// health sweep that marks users Offline after PresenceTimeout and evicts
// typing indicators older than TypingTimeout; the sweep closes no
// connections. Like
// the Router, its maps are mutated only from its own goroutine; callers
// interact through channel-backed methods.
type SessionManager struct {
	cfg    Config
	router *Router
	log    *logger.Logger

	mailbox chan managerCommand

	presence map[string]*presenceEntry            // user_id -> entry
	typing   map[string]map[string]typingEntry    // conversation_id -> user_id -> entry
	sessions map[string]*Session                  // connection_id -> session, for cleanup sweep
}

type managerCommand struct {
	kind           string
	connID         string
	userID         string
	status         PresenceStatus
	conversationID string
	typing         bool
	session        *Session
	reason         string
	reply          chan interface{}
}

// NewSessionManager wires a Router for presence broadcasts.
func NewSessionManager(cfg Config, router *Router, log *logger.Logger) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		router:   router,
		log:      log,
		mailbox:  make(chan managerCommand, 256),
		presence: make(map[string]*presenceEntry),
		typing:   make(map[string]map[string]typingEntry),
		sessions: make(map[string]*Session),
	}
}

// Run starts the manager's actor loop and periodic health sweep.
func (m *SessionManager) Run(done <-chan struct{}) {
	sweep := time.NewTicker(5 * time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-done:
			return
		case <-sweep.C:
			m.runSweep()
		case cmd := <-m.mailbox:
			m.handle(cmd)
		}
	}
}

func (m *SessionManager) handle(cmd managerCommand) {
	switch cmd.kind {
	case "track":
		if cmd.session.UserID != "" && m.cfg.MaxSessionsPerUser > 0 {
			active := 0
			for _, s := range m.sessions {
				if s.UserID == cmd.session.UserID {
					active++
				}
			}
			if active >= m.cfg.MaxSessionsPerUser {
				cmd.session.Cleanup("session limit for user exceeded")
				return
			}
		}
		m.sessions[cmd.connID] = cmd.session

	case "untrack":
		delete(m.sessions, cmd.connID)

	case "presence":
		m.updatePresence(cmd.connID, cmd.userID, cmd.status)

	case "typing":
		m.updateTyping(cmd.conversationID, cmd.userID, cmd.typing)

	case "connections":
		out := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			out = append(out, id)
		}
		cmd.reply <- out

	case "cleanup_session":
		if s, ok := m.sessions[cmd.connID]; ok {
			s.Cleanup(cmd.reason)
		}
	}
}

func (m *SessionManager) updatePresence(connID, userID string, status PresenceStatus) {
	if userID == "" {
		return
	}
	entry, ok := m.presence[userID]
	if !ok {
		entry = &presenceEntry{connections: make(map[string]bool)}
		m.presence[userID] = entry
	}
	entry.lastActive = time.Now()

	if status == Offline {
		delete(entry.connections, connID)
	} else {
		entry.connections[connID] = true
	}

	newAggregate := aggregateStatus(entry)
	if newAggregate == entry.aggregate {
		return
	}
	entry.aggregate = newAggregate
	m.broadcastPresence(userID, newAggregate)

	if len(entry.connections) == 0 {
		delete(m.presence, userID)
	}
}

func aggregateStatus(entry *presenceEntry) PresenceStatus {
	if len(entry.connections) == 0 {
		return Offline
	}
	// Any connected session keeps the user Online. There is no Away/Busy
	// precedence: an Away or Busy status given to UpdatePresence is
	// reported as Online while the user has a connection.
	return Online
}

func (m *SessionManager) broadcastPresence(userID string, status PresenceStatus) {
	if m.router == nil {
		return
	}
	update := PresenceUpdate{UserID: userID, Status: status}
	content, _ := json.Marshal(update)
	m.router.RouteMessage(InboundPayload{
		Kind:     InboundBroadcast,
		Content:  content,
		Priority: PriorityNormal,
	})
}

func (m *SessionManager) updateTyping(conversationID, userID string, typing bool) {
	if !typing {
		if set, ok := m.typing[conversationID]; ok {
			delete(set, userID)
		}
		m.broadcastTyping(conversationID, userID, false)
		return
	}
	set, ok := m.typing[conversationID]
	if !ok {
		set = make(map[string]typingEntry)
		m.typing[conversationID] = set
	}
	set[userID] = typingEntry{userID: userID, at: time.Now()}
	m.broadcastTyping(conversationID, userID, true)
}

func (m *SessionManager) broadcastTyping(conversationID, userID string, typing bool) {
	if m.router == nil {
		return
	}
	event := TypingEvent{ConversationID: conversationID, UserID: userID, Typing: typing}
	content, _ := json.Marshal(event)
	m.router.RouteMessage(InboundPayload{
		Kind:           InboundBroadcast,
		ConversationID: conversationID,
		Content:        content,
		Priority:       PriorityLow,
	})
}

func (m *SessionManager) runSweep() {
	now := time.Now()
	for userID, entry := range m.presence {
		if now.Sub(entry.lastActive) > m.cfg.PresenceTimeout && entry.aggregate != Offline {
			entry.aggregate = Offline
			m.broadcastPresence(userID, Offline)
		}
	}
	for convID, set := range m.typing {
		for userID, t := range set {
			if now.Sub(t.at) > m.cfg.TypingTimeout {
				delete(set, userID)
				m.broadcastTyping(convID, userID, false)
			}
		}
		if len(set) == 0 {
			delete(m.typing, convID)
		}
	}
}

// TrackSession registers a session for the manager's cleanup sweep.
func (m *SessionManager) TrackSession(session *Session) {
	m.mailbox <- managerCommand{kind: "track", connID: session.ConnectionID, session: session}
}

// UntrackSession removes a session once it disconnects.
func (m *SessionManager) UntrackSession(connID string) {
	m.mailbox <- managerCommand{kind: "untrack", connID: connID}
}

// UpdatePresence records one connection's presence observation.
func (m *SessionManager) UpdatePresence(connID, userID string, status PresenceStatus) {
	m.mailbox <- managerCommand{kind: "presence", connID: connID, userID: userID, status: status}
}

// TypingIndicator records a typing start/stop for (conversationID, userID).
func (m *SessionManager) TypingIndicator(conversationID, userID string, typing bool) {
	m.mailbox <- managerCommand{kind: "typing", conversationID: conversationID, userID: userID, typing: typing}
}

// GetConnections returns every currently tracked connection id.
func (m *SessionManager) GetConnections() []string {
	reply := make(chan interface{}, 1)
	m.mailbox <- managerCommand{kind: "connections", reply: reply}
	return (<-reply).([]string)
}

// CleanupSession forces a tracked session to disconnect with reason.
func (m *SessionManager) CleanupSession(connID, reason string) {
	m.mailbox <- managerCommand{kind: "cleanup_session", connID: connID, reason: reason}
}
