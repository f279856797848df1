// Package subscribe implements the Subscription Manager of spec.md §4.7: it
// fans reducer output out to per-client bounded queues, applying each
// client's filter set and disconnecting clients that fall behind. Grounded
// on the teacher's Broker.clients/broadcast in main.go — same bounded
// channel, same non-blocking send-or-drop-the-client policy — generalized
// from one fixed vehicle/projectile diff shape to arbitrary entity deltas.
package subscribe

import (
	"encoding/json"
	"sync"
	"time"

	"worldstate/internal/logging"
	"worldstate/internal/reducer"
)

// Message is one frame queued for delivery to a client (spec.md §4.7/§6 WS
// protocol: one state_update per changed property, one entity_deleted per
// tombstone, and metrics_update broadcast to everyone).
type Message struct {
	Type      string          `json:"type"`
	EntityID  string          `json:"entity_id,omitempty"`
	Property  string          `json:"property,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DisconnectReason explains why a client session ended (spec.md §4.8
// session state machine).
type DisconnectReason string

const (
	ReasonSlowConsumer DisconnectReason = "slow_consumer"
	ReasonGone         DisconnectReason = "gone"
)

// Client is a single subscriber's mailbox and filter set.
type Client struct {
	id      string
	outbox  chan Message
	manager *Manager

	mu      sync.RWMutex
	filters map[string]struct{} // entity ids, or the single key "*" for wildcard
}

// ID returns the client's session identifier.
func (c *Client) ID() string { return c.id }

// Outbox is the channel the WebSocket write pump drains. It is closed by the
// manager when the client is evicted.
func (c *Client) Outbox() <-chan Message { return c.outbox }

// SetFilters replaces the client's interest set. An empty set together with
// wildcard=false means "subscribed to nothing yet" (spec.md §4.7: clients
// must explicitly subscribe).
func (c *Client) SetFilters(ids []string, wildcard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = make(map[string]struct{}, len(ids)+1)
	if wildcard {
		c.filters["*"] = struct{}{}
		return
	}
	for _, id := range ids {
		c.filters[id] = struct{}{}
	}
}

// AddFilters merges ids (or wildcard) into the client's interest set.
func (c *Client) AddFilters(ids []string, wildcard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wildcard {
		c.filters["*"] = struct{}{}
		return
	}
	for _, id := range ids {
		c.filters[id] = struct{}{}
	}
}

// RemoveFilters drops ids (or clears wildcard) from the client's interest set.
func (c *Client) RemoveFilters(ids []string, wildcard bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wildcard {
		delete(c.filters, "*")
		return
	}
	for _, id := range ids {
		delete(c.filters, id)
	}
}

func (c *Client) interested(entityID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.filters["*"]; ok {
		return true
	}
	_, ok := c.filters[entityID]
	return ok
}

// Manager owns the live client set and fans out reducer output. It
// implements reducer.Sink.
type Manager struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	queueSize int
	log       *logging.Logger

	onDisconnect func(id string, reason DisconnectReason)
}

// New constructs a Manager whose per-client queues hold queueSize messages
// before the slow-consumer policy evicts the client.
func New(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Manager{clients: make(map[string]*Client), queueSize: queueSize, log: logger}
}

// OnDisconnect registers a callback invoked whenever the manager evicts or
// removes a client, so the WebSocket layer can close the underlying socket.
func (m *Manager) OnDisconnect(fn func(id string, reason DisconnectReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = fn
}

// Register adds a new client session and returns its handle.
func (m *Manager) Register(id string) *Client {
	c := &Client{id: id, outbox: make(chan Message, m.queueSize), manager: m, filters: make(map[string]struct{})}
	m.mu.Lock()
	m.clients[id] = c
	m.mu.Unlock()
	return c
}

// Remove unregisters a client without treating it as a slow-consumer
// eviction (e.g. the socket closed normally).
func (m *Manager) Remove(id string) {
	m.evict(id, ReasonGone)
}

func (m *Manager) evict(id string, reason DisconnectReason) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	cb := m.onDisconnect
	m.mu.Unlock()
	if !ok {
		return
	}
	close(c.outbox)
	if cb != nil {
		cb(id, reason)
	}
}

// Count returns the number of currently registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) send(c *Client, msg Message) {
	select {
	case c.outbox <- msg:
	default:
		//1.- Slow-consumer policy (SPEC_FULL.md §9 Open Question resolved):
		// disconnect rather than drop-oldest, so a client never observes a
		// gap it can't detect.
		m.log.Warn("subscribe: client outbox full, disconnecting", logging.String("client_id", c.id))
		go m.evict(c.id, ReasonSlowConsumer)
	}
}

// Broadcast delivers msg to every interested client, skipping clients whose
// filters don't match when entityID is non-empty. An empty entityID (e.g.
// metrics_update) is delivered to every client regardless of filters.
func (m *Manager) Broadcast(entityID string, msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if entityID != "" && !c.interested(entityID) {
			continue
		}
		m.send(c, msg)
	}
}

// PublishDeltas implements reducer.Sink: it emits one state_update frame
// per changed property, per spec.md §4.7 ("server emits
// state_update{entity_id, property, value, timestamp} per matching
// delta").
func (m *Manager) PublishDeltas(deltas []reducer.Delta) {
	for _, d := range deltas {
		m.Broadcast(d.EntityID, Message{
			Type:      "state_update",
			EntityID:  d.EntityID,
			Property:  d.Property,
			Value:     d.NewValue,
			Timestamp: d.Timestamp,
		})
	}
}

// PublishDeletion implements reducer.Sink: it emits an entity_deleted frame.
func (m *Manager) PublishDeletion(d reducer.Deletion) {
	m.Broadcast(d.EntityID, Message{Type: "entity_deleted", EntityID: d.EntityID, Timestamp: d.Timestamp})
}

// BroadcastMetrics delivers a metrics_update frame to every connected
// client regardless of filter (spec.md §4.9/§6), used by the Metrics
// Ticker.
func (m *Manager) BroadcastMetrics(payload json.RawMessage) {
	m.Broadcast("", Message{Type: "metrics_update", Timestamp: time.Now(), Payload: payload})
}
