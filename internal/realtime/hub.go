package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/covechat/cove/internal/auth"
	"github.com/covechat/cove/internal/logger"
	"github.com/covechat/cove/internal/models"
	"github.com/covechat/cove/internal/presence"
)

// How many malformed frames a connection may send before it is closed.
const malformedFrameLimit = 5

// handshakeTimeout bounds the wait for the authenticate frame.
const handshakeTimeout = 10 * time.Second

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// Client is one registered socket: the connection record plus the
// write side. Events are queued on send and flushed by writePump, so
// per-connection send order matches route order on this process.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	connection *models.Connection
	malformed  int
}

// Hub is the per-process connection registry. It owns the
// authenticate -> identify -> register handshake and the local
// connection table; the cross-process view lives in the presence
// store.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // by connection id

	auth          *auth.Service
	store         presence.Store
	router        *Router
	serverID      string
	heartbeatTTL  time.Duration
	heartbeatEach time.Duration
}

func NewHub(authService *auth.Service, store presence.Store, serverID string, heartbeatInterval, heartbeatTTL time.Duration) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		auth:          authService,
		store:         store,
		serverID:      serverID,
		heartbeatTTL:  heartbeatTTL,
		heartbeatEach: heartbeatInterval,
	}
}

// SetRouter wires the router after construction; the hub and router
// reference each other, so one side is attached late.
func (h *Hub) SetRouter(r *Router) {
	h.router = r
}

// HandleWS upgrades the socket and runs the handshake: the first frame
// must be an authenticate frame; identity errors close the socket with
// a specific code, success is acknowledged with CONNECTION_ESTABLISHED.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The widget embeds on arbitrary customer sites; tenancy is
		// enforced by token claims, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	identity, ok := h.handshake(conn, r)
	if !ok {
		conn.Close()
		return
	}

	now := time.Now().UTC()
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		connection: &models.Connection{
			ID:              uuid.New().String(),
			UserID:          identity.UserID,
			VisitorID:       identity.VisitorID,
			WebsiteID:       identity.WebsiteID,
			OrganizationID:  identity.OrganizationID,
			ServerID:        h.serverID,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
	}

	if err := h.register(client); err != nil {
		logger.Error("Failed to register connection: %v", err)
		writeError(conn, models.ErrorFrame{
			Code:    models.CodeServerError,
			Error:   "server_error",
			Message: "failed to register connection",
		})
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// handshake reads the authenticate frame and resolves the identity.
func (h *Hub) handshake(conn *websocket.Conn, r *http.Request) (*auth.Identity, bool) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "authenticate" {
		writeError(conn, models.ErrorFrame{
			Code:    models.CodeInvalidMessageFormat,
			Error:   "invalid_message_format",
			Message: "first frame must be an authenticate frame",
		})
		return nil, false
	}

	var payload authenticatePayload
	if len(frame.Payload) > 0 {
		json.Unmarshal(frame.Payload, &payload)
	}

	identity, err := h.auth.ResolveIdentity(r, payload.Token)
	switch err {
	case nil:
	case auth.ErrIdentificationRequired:
		writeError(conn, models.ErrorFrame{
			Code:    models.CodeIdentificationRequired,
			Error:   "identification_required",
			Message: "token carries neither a user nor a visitor identity",
		})
		return nil, false
	default:
		writeError(conn, models.ErrorFrame{
			Code:    models.CodeAuthFailed,
			Error:   "authentication_failed",
			Message: "no valid credentials presented",
		})
		return nil, false
	}

	return identity, true
}

// register inserts the connection into the local table, projects it
// into the presence store, acknowledges over the same socket, and
// emits the lifecycle event.
func (h *Hub) register(client *Client) error {
	c := client.connection

	rec := models.PresenceRecord{
		ServerID:     h.serverID,
		ConnectionID: c.ID,
		Status:       models.PresenceOnline,
		UpdatedAt:    c.ConnectedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SetConnection(ctx, c.WebsiteID, c.ActorID(), c.ID, rec, h.heartbeatTTL); err != nil {
		return err
	}

	h.mu.Lock()
	h.clients[c.ID] = client
	h.mu.Unlock()

	// The ack tells the client how often to send heartbeat frames.
	ack := models.NewEvent(models.EventConnectionEstablished, models.EventPayload{
		WebsiteID:      c.WebsiteID,
		OrganizationID: c.OrganizationID,
		ConnectionID:   c.ID,
		UserID:         c.UserID,
		VisitorID:      c.VisitorID,
		Data:           json.RawMessage(fmt.Sprintf(`{"heartbeat_interval_seconds":%d}`, int(h.heartbeatEach.Seconds()))),
	})
	if h.router != nil {
		// Targeted route: the ack belongs to this connection only.
		h.router.Route(ctx, ack, RouteOptions{
			TargetConnectionID: c.ID,
			WebsiteID:          c.WebsiteID,
			OrganizationID:     c.OrganizationID,
		})
	} else {
		client.enqueue(mustMarshal(ack))
	}

	h.emitLifecycle(c, true)
	logger.WS("connected", c.ActorID())
	return nil
}

// unregister removes the local entry and clears the presence record
// only when this was the actor's last connection (multi-tab).
func (h *Hub) unregister(client *Client) {
	c := client.connection

	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return // already unregistered (sweep raced the close)
	}
	delete(h.clients, c.ID)
	close(client.send)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.store.RemoveConnection(ctx, c.WebsiteID, c.ActorID(), c.ID); err != nil {
		logger.Error("Failed to clear presence for %s: %v", c.ActorID(), err)
	}

	h.emitLifecycle(c, false)
	logger.WS("disconnected", c.ActorID())
}

func (h *Hub) emitLifecycle(c *models.Connection, connected bool) {
	if h.router == nil {
		return
	}
	var eventType string
	switch {
	case c.IsVisitor() && connected:
		eventType = models.EventVisitorConnected
	case c.IsVisitor():
		eventType = models.EventVisitorDisconnected
	case connected:
		eventType = models.EventUserConnected
	default:
		eventType = models.EventUserDisconnected
	}
	event := models.NewEvent(eventType, models.EventPayload{
		WebsiteID:      c.WebsiteID,
		OrganizationID: c.OrganizationID,
		ConnectionID:   c.ID,
		UserID:         c.UserID,
		VisitorID:      c.VisitorID,
	})
	h.router.Route(context.Background(), event, RouteOptions{
		WebsiteID:      c.WebsiteID,
		OrganizationID: c.OrganizationID,
	})
}

// Heartbeat refreshes the local timestamp and the presence TTL.
func (h *Hub) Heartbeat(client *Client) {
	c := client.connection

	h.mu.Lock()
	c.LastHeartbeatAt = time.Now().UTC()
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.RefreshConnection(ctx, c.WebsiteID, c.ActorID(), c.ID, h.heartbeatTTL); err != nil {
		logger.Warn("Failed to refresh presence for %s: %v", c.ActorID(), err)
	}
}

// SweepStale closes connections whose heartbeat lapsed and reports how
// many were reclaimed. Readers of the presence store already treat
// their records as dead; this reclaims the local socket too.
func (h *Hub) SweepStale() int {
	cutoff := time.Now().UTC().Add(-h.heartbeatTTL)

	h.mu.RLock()
	var stale []*Client
	for _, client := range h.clients {
		if client.connection.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		logger.WS("timeout", client.connection.ActorID())
		client.conn.Close()
		h.unregister(client)
	}
	return len(stale)
}

// ConnectionCount reports the local table size.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every local connection.
func (h *Hub) Stop() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.conn.Close()
		h.unregister(client)
	}
}

// SendToConnection implements LocalDeliverer. The read lock is held
// across the enqueue: unregister closes the send channel under the
// write lock, so enqueueing outside the lock could race the close.
func (h *Hub) SendToConnection(connectionID string, event models.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[connectionID]
	if !ok {
		return false
	}
	if !ShouldDeliver(event, client.connection.WebsiteID, client.connection.VisitorID) {
		return true // connection is local, delivery filtered
	}
	client.enqueue(mustMarshal(event))
	return true
}

// SendToVisitor implements LocalDeliverer.
func (h *Hub) SendToVisitor(websiteID, visitorID string, event models.Event) {
	data := mustMarshal(event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		c := client.connection
		if c.WebsiteID != websiteID || c.VisitorID != visitorID {
			continue
		}
		if !ShouldDeliver(event, c.WebsiteID, c.VisitorID) {
			continue
		}
		client.enqueue(data)
	}
}

// SendToWebsite implements LocalDeliverer.
func (h *Hub) SendToWebsite(websiteID string, event models.Event) {
	data := mustMarshal(event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		c := client.connection
		if c.WebsiteID != websiteID {
			continue
		}
		if !ShouldDeliver(event, c.WebsiteID, c.VisitorID) {
			continue
		}
		client.enqueue(data)
	}
}

// enqueue queues a frame for writePump. A full buffer drops the frame;
// the live view is best-effort and clients refetch durable state.
func (c *Client) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Warn("Send buffer full, dropping frame for %s", c.connection.ActorID())
	}
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reportMalformed("frame is not valid JSON")
			if c.malformed >= malformedFrameLimit {
				return
			}
			continue
		}

		switch frame.Type {
		case "heartbeat":
			c.hub.Heartbeat(c)
		case "typing":
			c.handleTyping(frame.Payload)
		default:
			c.reportMalformed("unknown frame type " + frame.Type)
			if c.malformed >= malformedFrameLimit {
				return
			}
		}
	}
}

func (c *Client) handleTyping(payload json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		c.reportMalformed("typing frame requires conversation_id")
		return
	}
	if c.hub.router == nil {
		return
	}

	conn := c.connection
	var data json.RawMessage
	if p.IsTyping {
		data = json.RawMessage(`{"is_typing":true}`)
	} else {
		data = json.RawMessage(`{"is_typing":false}`)
	}
	event := models.NewEvent(models.EventTyping, models.EventPayload{
		WebsiteID:      conn.WebsiteID,
		OrganizationID: conn.OrganizationID,
		ConversationID: p.ConversationID,
		UserID:         conn.UserID,
		VisitorID:      conn.VisitorID,
		Data:           data,
	})
	c.hub.router.Route(context.Background(), event, RouteOptions{
		WebsiteID:      conn.WebsiteID,
		OrganizationID: conn.OrganizationID,
	})
}

// reportMalformed answers a bad frame with a structured error. The
// connection stays open until the limit is hit; protocol errors are
// recoverable, identity errors are not.
func (c *Client) reportMalformed(detail string) {
	c.malformed++
	frame := models.ErrorFrame{
		Code:    models.CodeInvalidMessageFormat,
		Error:   "invalid_message_format",
		Message: "could not process frame",
		Details: detail,
	}
	if data, err := json.Marshal(frame); err == nil {
		c.enqueue(data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func writeError(conn *websocket.Conn, frame models.ErrorFrame) {
	if data, err := json.Marshal(frame); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

func mustMarshal(event models.Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal event %s: %v", event.Type, err)
		return nil
	}
	return data
}
