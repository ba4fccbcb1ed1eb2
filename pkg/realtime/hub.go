package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/quietwire/pingmark/pkg/models"
)

// defaultWriteTimeout bounds each websocket send so one stalled client
// cannot hold up a broadcast.
const defaultWriteTimeout = 5 * time.Second

// connection is a single websocket subscriber.
type connection struct {
	id     string
	userID int64
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks websocket subscribers per user and pushes engine events to
// them. Events for a user reach every open connection of that user;
// other users never see them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
	users map[int64]map[string]bool

	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:        make(map[string]*connection),
		users:        make(map[int64]map[string]bool),
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With("component", "realtime"),
	}
}

// HandleConnection owns one subscriber for its lifetime. It sends the
// initial contacts:init frame, then drains client frames (clients only
// listen; inbound frames are read and dropped to service pings) until
// the peer disconnects. Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, userID int64, conn *websocket.Conn, contacts []models.Contact) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(c)
	defer h.unregister(c)

	if err := h.sendEvent(c, ContactsInitEvent(contacts)); err != nil {
		h.logger.Warn("Failed to send initial contacts frame",
			"connection_id", c.id, "user_id", userID, "error", err)
		return
	}

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// BroadcastToUser pushes one event to every open connection of a user.
// The payload is marshalled once; dead connections are pruned.
func (h *Hub) BroadcastToUser(userID int64, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("Failed to marshal realtime event",
			"type", event.Type, "error", err)
		return
	}

	// Snapshot subscribers under the lock, release before writing so a
	// slow client (up to writeTimeout) cannot stall register/unregister.
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			h.logger.Warn("Dropping dead realtime subscriber",
				"connection_id", c.id, "user_id", userID, "error", err)
			h.unregister(c)
		}
	}
}

// SubscriberCount returns the number of open connections for a user.
func (h *Hub) SubscriberCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Close cancels every connection. Used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	subs, ok := h.users[c.userID]
	if !ok {
		subs = make(map[string]bool)
		h.users[c.userID] = subs
	}
	subs[c.id] = true
}

// unregister is idempotent; the broadcast prune path and the handler's
// deferred cleanup may both call it for the same connection.
func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	if subs, ok := h.users[c.userID]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendEvent(c *connection, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
