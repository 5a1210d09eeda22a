package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is the wire shape a client sends; Kind selects which other
// fields are meaningful, mirroring InboundKind.
type clientFrame struct {
	Kind           InboundKind     `json:"kind"`
	MessageID      string          `json:"message_id"`
	To             string          `json:"to,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Priority       MessagePriority `json:"priority,omitempty"`
	Typing         bool            `json:"typing,omitempty"`
}

// wsSender adapts a *websocket.Conn to the Session's WireSender contract.
// Send is only ever called from the owning Session's Run goroutine, which
// serializes writes, so no locking is needed here.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) Send(envelope OutboundEnvelope) error {
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(envelope)
}

// Upgrade promotes an HTTP request to a WebSocket connection, wires it to
// a new Session registered with router and manager, and blocks running the
// session's read/write pumps until the connection closes. Intended to be
// called directly from an echo handler's underlying *http.Request/
// http.ResponseWriter.
func Upgrade(w http.ResponseWriter, r *http.Request, connectionID, userID string, cfg Config, router *Router, manager *SessionManager, log *logger.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sender := &wsSender{conn: conn}
	session := NewSession(connectionID, sender, cfg, router, log)
	if userID != "" {
		session.Authenticate(userID)
	}

	router.Connect(session)
	if userID != "" {
		router.Authenticate(connectionID, userID)
	}
	if manager != nil {
		manager.TrackSession(session)
		manager.UpdatePresence(connectionID, userID, Online)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go session.Run(ctx)

	readPump(ctx, conn, connectionID, userID, session, router, manager, cfg, log)

	cancel()
	conn.Close()
	if manager != nil {
		manager.UntrackSession(connectionID)
		manager.UpdatePresence(connectionID, userID, Offline)
	}
	return nil
}

// readPump decodes client frames off the wire and forwards them to the
// router or session: one blocking read loop per connection with a
// read-deadline refreshed by pong frames.
func readPump(ctx context.Context, conn *websocket.Conn, connID, userID string, session *Session, router *Router, manager *SessionManager, cfg Config, log *logger.Logger) {
	conn.SetReadLimit(cfg.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(cfg.ClientTimeout + cfg.HeartbeatInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.ClientTimeout + cfg.HeartbeatInterval))
		session.Pong()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("unexpected websocket close", "connection_id", connID, "error", err)
			}
			return
		}

		payload := InboundPayload{
			Kind:           frame.Kind,
			MessageID:      frame.MessageID,
			From:           userID,
			FromConn:       connID,
			To:             frame.To,
			Topic:          frame.Topic,
			ConversationID: frame.ConversationID,
			Content:        frame.Content,
			Priority:       frame.Priority,
		}

		switch frame.Kind {
		case InboundSubscribe:
			router.Subscribe(connID, frame.Topic)
		case InboundUnsub:
			router.Unsubscribe(connID, frame.Topic)
		case InboundDirect, InboundTopic, InboundBroadcast:
			router.RouteMessage(payload)
		case InboundTyping:
			if manager != nil {
				manager.TypingIndicator(frame.ConversationID, userID, frame.Typing)
			}
		case InboundPresence:
			if manager != nil {
				manager.UpdatePresence(connID, userID, Online)
			}
		default:
			log.Debug("dropping frame with unrecognized kind", "connection_id", connID, "kind", frame.Kind)
			content, _ := json.Marshal(map[string]string{"code": "invalid_message", "message": "unrecognized frame kind"})
			session.Deliver(SessionMessage{
				Envelope: OutboundEnvelope{Type: "error", MessageID: frame.MessageID, Content: content, Timestamp: time.Now()},
				Priority: PriorityNormal,
			})
		}
	}
}
