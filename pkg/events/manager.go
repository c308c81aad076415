package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

// defaultWriteTimeout bounds a single WebSocket send when the caller does
// not choose one.
const defaultWriteTimeout = 5 * time.Second

// EventSource feeds ordered event subscriptions. Implemented by store.Store.
type EventSource interface {
	Subscribe(ctx context.Context, filter models.EventFilter, buffer int) (*store.Subscription, error)
}

// Viewer is the authenticated identity behind one connection. Privileged
// events (identity.*, session.*) are delivered only when Admin is set.
type Viewer struct {
	AgentID string
	Admin   bool
}

// ConnectionManager manages WebSocket connections and their channel
// subscriptions. Each subscription is backed by its own store subscription,
// so replay and live delivery share the log's ordering guarantees.
type ConnectionManager struct {
	source  EventSource
	metrics *metrics.Metrics
	logger  *slog.Logger

	writeTimeout time.Duration
	buffer       int

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection represents a single WebSocket client.
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	viewer Viewer
	ctx    context.Context
	cancel context.CancelFunc

	// subscriptions is written by the read loop and by each feed goroutine
	// as it retires, so it needs the lock.
	mu            sync.Mutex
	subscriptions map[string]*store.Subscription
}

// NewConnectionManager creates a new ConnectionManager. buffer caps each
// subscription's live backlog; zero means the store default.
func NewConnectionManager(source EventSource, m *metrics.Metrics, writeTimeout time.Duration, buffer int, logger *slog.Logger) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionManager{
		source:       source,
		metrics:      m,
		logger:       logger.With("component", "ws_manager"),
		writeTimeout: writeTimeout,
		buffer:       buffer,
		connections:  make(map[string]*Connection),
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade and authentication.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, viewer Viewer) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		viewer:        viewer,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]*store.Subscription),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid websocket message",
				"connection_id", c.ID, "agent_id", viewer.AgentID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		sub, err := m.subscribe(c, msg.Channel, msg.FromSequence)
		if err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": err.Error(),
			})
			return
		}
		// Confirm before the feed goroutine starts so the client always
		// sees the confirmation ahead of any replayed event.
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		go m.stream(c, msg.Channel, sub)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		c.detach(msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe opens a log subscription for the channel. Subscribing again on
// the same channel replaces the previous subscription: re-subscribing with
// a from_sequence is how clients resynchronize after an overflow.
func (m *ConnectionManager) subscribe(c *Connection, channel string, fromSequence uint64) (*store.Subscription, error) {
	filter, err := channelFilter(channel)
	if err != nil {
		return nil, err
	}
	filter.FromSequence = fromSequence

	sub, err := m.source.Subscribe(c.ctx, filter, m.buffer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.subscriptions[channel]; ok {
		prev.Close()
	}
	c.subscriptions[channel] = sub
	c.mu.Unlock()
	return sub, nil
}

// detach drops the channel's subscription if one is active.
func (c *Connection) detach(channel string) {
	c.mu.Lock()
	sub, ok := c.subscriptions[channel]
	if ok {
		delete(c.subscriptions, channel)
	}
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// stream relays one subscription to the socket until it drains. Runs on its
// own goroutine; concurrent sends are serialized by the websocket library.
func (m *ConnectionManager) stream(c *Connection, channel string, sub *store.Subscription) {
	for event := range sub.Events() {
		if event.EventType.Privileged() && !c.viewer.Admin {
			continue
		}
		m.sendJSON(c, &serverEvent{Type: "event", Channel: channel, Event: event})
	}

	err := sub.Err()

	c.mu.Lock()
	if c.subscriptions[channel] == sub {
		delete(c.subscriptions, channel)
	}
	c.mu.Unlock()

	if err == nil {
		return
	}
	if errors.Is(err, models.ErrLagging) {
		// The client fell behind and its backlog is gone. Tell it to
		// reload over REST, then re-subscribe from the new head.
		m.metrics.RecordSubscriberDropped()
		m.logger.Warn("subscriber dropped",
			"connection_id", c.ID, "agent_id", c.viewer.AgentID, "channel", channel)
		m.sendJSON(c, map[string]interface{}{
			"type":       "catchup.overflow",
			"channel":    channel,
			"resnapshot": true,
		})
		return
	}
	m.logger.Warn("subscription failed",
		"connection_id", c.ID, "channel", channel, "error", err)
	m.sendJSON(c, map[string]string{
		"type":    "subscription.error",
		"channel": channel,
		"message": "event feed interrupted",
	})
}

// register adds a connection to the tracking map.
func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	m.metrics.WSConnected()
}

// unregister removes a connection and closes all its subscriptions.
func (m *ConnectionManager) unregister(c *Connection) {
	c.mu.Lock()
	subs := make([]*store.Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subscriptions = make(map[string]*store.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	m.metrics.WSDisconnected()
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshal websocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("send websocket message", "connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
