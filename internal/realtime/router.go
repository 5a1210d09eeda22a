package realtime

import (
	"encoding/json"
	"time"

	"github.com/lyzr/workflowcore/internal/platform/logger"
)

// RuleAction is what a matched declarative rule does to a route before
// fan-out.
type RuleAction struct {
	FilterUserIDs      []string // if set, only these users remain eligible targets
	RequireSubscribed  string   // if set, targets must be subscribed to this topic
	MaxTargets         int      // 0 means unlimited
	RewriteTopic       string
	OverridePriority   *MessagePriority
	PersistOffline     bool
	Terminal           bool // stop evaluating further rules
}

// Rule is one row of the router's declarative rule table. Match is a CEL
// expression evaluated against the inbound payload's kind/from/to/topic/
// priority fields (see ruleEvaluator); an empty expression always matches.
type Rule struct {
	Name   string
	Match  string
	Action RuleAction
}

// routerCommand is the Router's mailbox message type; the Router actor
// owns connection_id/user_id/topic maps exclusively and only a single
// goroutine ever mutates them.
type routerCommand struct {
	kind    string
	session *Session
	connID  string
	userID  string
	topic   string
	payload InboundPayload
	reply   chan interface{}
}

// Router fans out inbound payloads to direct/topic/broadcast recipients
// and maintains the connection/user/topic indices.
type Router struct {
	log        *logger.Logger
	persist    Persister
	rules      []Rule
	evaluator  *ruleEvaluator

	mailbox chan routerCommand

	sessions         map[string]*Session   // connection_id -> session
	userConnections  map[string]map[string]bool // user_id -> set<connection_id>
	topicSubscribers map[string]map[string]bool // topic -> set<connection_id>
}

// NewRouter builds a Router with no registered sessions. Call Run to
// start its actor loop before issuing commands.
func NewRouter(log *logger.Logger, persist Persister, rules []Rule) *Router {
	return &Router{
		log:              log,
		persist:          persist,
		rules:            rules,
		evaluator:        newRuleEvaluator(),
		mailbox:          make(chan routerCommand, 256),
		sessions:         make(map[string]*Session),
		userConnections:  make(map[string]map[string]bool),
		topicSubscribers: make(map[string]map[string]bool),
	}
}

// Run is the Router actor's cooperative loop.
func (r *Router) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case cmd := <-r.mailbox:
			r.handle(cmd)
		}
	}
}

func (r *Router) handle(cmd routerCommand) {
	switch cmd.kind {
	case "connect":
		r.sessions[cmd.connID] = cmd.session
	case "authenticate":
		if set, ok := r.userConnections[cmd.userID]; ok {
			set[cmd.connID] = true
		} else {
			r.userConnections[cmd.userID] = map[string]bool{cmd.connID: true}
		}
	case "disconnect":
		delete(r.sessions, cmd.connID)
		for user, set := range r.userConnections {
			delete(set, cmd.connID)
			if len(set) == 0 {
				delete(r.userConnections, user)
			}
		}
		for topic, set := range r.topicSubscribers {
			delete(set, cmd.connID)
			if len(set) == 0 {
				delete(r.topicSubscribers, topic)
			}
		}
	case "subscribe":
		if set, ok := r.topicSubscribers[cmd.topic]; ok {
			set[cmd.connID] = true
		} else {
			r.topicSubscribers[cmd.topic] = map[string]bool{cmd.connID: true}
		}
	case "unsubscribe":
		if set, ok := r.topicSubscribers[cmd.topic]; ok {
			delete(set, cmd.connID)
		}
	case "route":
		r.route(cmd.payload)
	case "stats":
		cmd.reply <- map[string]interface{}{
			"sessions":          len(r.sessions),
			"users":             len(r.userConnections),
			"topics":            len(r.topicSubscribers),
		}
	}
}

func (r *Router) route(payload InboundPayload) {
	action := r.applyRules(&payload)

	var targets []string
	switch payload.Kind {
	case InboundDirect:
		targets = r.directTargets(payload.To)
		if len(targets) == 0 {
			r.confirm(payload, Failed, "no active connection for user")
			return
		}
	case InboundTopic:
		topic := payload.Topic
		if action.RewriteTopic != "" {
			topic = action.RewriteTopic
		}
		targets = r.topicTargets(topic, payload.FromConn)
	case InboundBroadcast:
		targets = r.broadcastTargets(payload.FromConn)
	default:
		return
	}

	targets = r.filterTargets(targets, action)

	priority := payload.Priority
	if action.OverridePriority != nil {
		priority = *action.OverridePriority
	}

	envelope := OutboundEnvelope{
		Type:      string(payload.Kind),
		MessageID: payload.MessageID,
		From:      payload.From,
		Topic:     payload.Topic,
		Content:   payload.Content,
		Timestamp: time.Now(),
	}

	for _, connID := range targets {
		if session, ok := r.sessions[connID]; ok {
			session.Deliver(SessionMessage{Envelope: envelope, Priority: priority})
		}
	}

	if action.PersistOffline && r.persist != nil {
		go r.persist.Append(payload, targets)
	}

	r.confirm(payload, Delivered, "")
}

func (r *Router) applyRules(payload *InboundPayload) RuleAction {
	var action RuleAction
	for _, rule := range r.rules {
		matched, err := r.evaluator.matches(rule.Match, *payload)
		if err != nil {
			r.log.Warn("rule match evaluation failed, skipping rule", "rule", rule.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}
		merged := rule.Action
		if merged.RewriteTopic != "" {
			action.RewriteTopic = merged.RewriteTopic
		}
		if merged.FilterUserIDs != nil {
			action.FilterUserIDs = merged.FilterUserIDs
		}
		if merged.RequireSubscribed != "" {
			action.RequireSubscribed = merged.RequireSubscribed
		}
		if merged.MaxTargets > 0 {
			action.MaxTargets = merged.MaxTargets
		}
		if merged.OverridePriority != nil {
			action.OverridePriority = merged.OverridePriority
		}
		if merged.PersistOffline {
			action.PersistOffline = true
		}
		if merged.Terminal {
			break
		}
	}
	return action
}

func (r *Router) filterTargets(targets []string, action RuleAction) []string {
	if len(action.FilterUserIDs) == 0 && action.MaxTargets == 0 && action.RequireSubscribed == "" {
		return targets
	}
	// FilterUserIDs names users; targets are connection ids, so expand the
	// allowed users into their current connections first.
	var allowedConns map[string]bool
	if len(action.FilterUserIDs) > 0 {
		allowedConns = make(map[string]bool)
		for _, u := range action.FilterUserIDs {
			for connID := range r.userConnections[u] {
				allowedConns[connID] = true
			}
		}
	}
	var requiredSubs map[string]bool
	if action.RequireSubscribed != "" {
		requiredSubs = r.topicSubscribers[action.RequireSubscribed]
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if allowedConns != nil && !allowedConns[t] {
			continue
		}
		if requiredSubs != nil && !requiredSubs[t] {
			continue
		}
		out = append(out, t)
		if action.MaxTargets > 0 && len(out) >= action.MaxTargets {
			break
		}
	}
	return out
}

func (r *Router) directTargets(userID string) []string {
	set, ok := r.userConnections[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

func (r *Router) topicTargets(topic, excludeConn string) []string {
	set, ok := r.topicSubscribers[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		if connID != excludeConn {
			out = append(out, connID)
		}
	}
	return out
}

func (r *Router) broadcastTargets(excludeConn string) []string {
	out := make([]string, 0, len(r.sessions))
	for connID := range r.sessions {
		if connID != excludeConn {
			out = append(out, connID)
		}
	}
	return out
}

func (r *Router) confirm(payload InboundPayload, status DeliveryStatus, reason string) {
	sender, ok := r.sessions[payload.FromConn]
	if !ok {
		return
	}
	confirmation := DeliveryConfirmation{MessageID: payload.MessageID, Status: status, Reason: reason}
	content, _ := json.Marshal(confirmation)
	sender.Deliver(SessionMessage{
		Envelope: OutboundEnvelope{Type: "delivery_confirmation", MessageID: payload.MessageID, Content: content, Timestamp: time.Now()},
		Priority: PriorityNormal,
	})
}

// Connect registers a session with the router.
func (r *Router) Connect(session *Session) {
	r.mailbox <- routerCommand{kind: "connect", connID: session.ConnectionID, session: session}
}

// Authenticate associates a connection with an authenticated user_id.
func (r *Router) Authenticate(connID, userID string) {
	r.mailbox <- routerCommand{kind: "authenticate", connID: connID, userID: userID}
}

// Disconnect removes a connection from every index.
func (r *Router) Disconnect(connID string) {
	r.mailbox <- routerCommand{kind: "disconnect", connID: connID}
}

// Subscribe adds a connection to a topic's subscriber set.
func (r *Router) Subscribe(connID, topic string) {
	r.mailbox <- routerCommand{kind: "subscribe", connID: connID, topic: topic}
}

// Unsubscribe removes a connection from a topic's subscriber set.
func (r *Router) Unsubscribe(connID, topic string) {
	r.mailbox <- routerCommand{kind: "unsubscribe", connID: connID, topic: topic}
}

// RouteMessage submits an inbound payload for routing.
func (r *Router) RouteMessage(payload InboundPayload) {
	r.mailbox <- routerCommand{kind: "route", payload: payload}
}

// GetStats returns connection/user/topic counts. Handled as a normal
// message round-trip through the actor's mailbox, not a direct map read.
func (r *Router) GetStats() map[string]interface{} {
	reply := make(chan interface{}, 1)
	r.mailbox <- routerCommand{kind: "stats", reply: reply}
	return (<-reply).(map[string]interface{})
}
