package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// backpressureLimit is the sole backpressure policy: a connection with
// more than this many undelivered events is closed rather than buffered
// unboundedly.
const backpressureLimit = 50

// CloseSlowConsumer is the close code sent when a connection is dropped
// for falling behind.
const CloseSlowConsumer = 4008

// HubConfig holds transport tuning for the session socket hub.
type HubConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Hub tracks the live WebSocket connections per session and delivers
// published events to them.
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]map[*Conn]bool
	upgrader    websocket.Upgrader
	config      HubConfig
}

// Conn is one client connection attached to a session.
type Conn struct {
	ID        string
	UserID    uuid.UUID
	SessionID uuid.UUID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	hub       *Hub
	closeOnce sync.Once

	ConnectedAt time.Time
	LastPing    time.Time
}

// NewHub creates a session socket hub.
func NewHub(config HubConfig) *Hub {
	return &Hub{
		connections: make(map[uuid.UUID]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// Inbound is a parsed client message handed to the registered handler.
type Inbound struct {
	Conn    *Conn
	Type    string
	Payload json.RawMessage
}

// Upgrade promotes an HTTP request to a WebSocket connection bound to a
// session and starts its pumps. Inbound messages are delivered to onMessage;
// onClose fires once when the connection is removed.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID, sessionID uuid.UUID, onMessage func(Inbound), onClose func(*Conn)) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		ws:          ws,
		send:        make(chan []byte, backpressureLimit+1),
		done:        make(chan struct{}),
		hub:         h,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	h.mu.Lock()
	if h.connections[sessionID] == nil {
		h.connections[sessionID] = make(map[*Conn]bool)
	}
	h.connections[sessionID][conn] = true
	h.mu.Unlock()

	go conn.writePump()
	go conn.readPump(onMessage, onClose)

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Msg("websocket connection established")
	return conn, nil
}

// Publish implements Publisher by fanning the event out to every live
// connection of the session. Slow consumers are closed with
// CloseSlowConsumer and removed.
func (h *Hub) Publish(sessionID uuid.UUID, typ EventType, payload any) {
	event, err := NewEvent(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("failed to build event")
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.connections[sessionID]))
	for conn := range h.connections[sessionID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("dropping slow consumer")
			conn.closeWithCode(CloseSlowConsumer, "slow consumer")
		}
	}
}

// Stats reports connection counts per session for the stats endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	perSession := make(map[string]int, len(h.connections))
	for sessionID, conns := range h.connections {
		perSession[sessionID.String()] = len(conns)
		total += len(conns)
	}
	return map[string]any{
		"total_connections":   total,
		"active_sessions":     len(h.connections),
		"session_connections": perSession,
	}
}

// remove unregisters a connection. Idempotent: close/error paths may both
// land here.
func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connections[conn.SessionID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.connections, conn.SessionID)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Msg("connection unregistered")
}

// closeWithCode sends a close frame then tears the connection down.
// Transport failures here are local: they only hasten the teardown.
func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.hub.config.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.hub.remove(c)
		_ = c.ws.Close()
	})
}

// trySend queues a frame unless the connection is closing or its pending
// queue has hit the backpressure limit.
func (c *Conn) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if len(c.send) >= backpressureLimit {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump drains the send queue and keeps the heartbeat ping going.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeWithCode(websocket.CloseGoingAway, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("ping failed")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump parses inbound {type, payload} messages and forwards them to
// the handler.
func (c *Conn) readPump(onMessage func(Inbound), onClose func(*Conn)) {
	defer func() {
		c.closeWithCode(websocket.CloseGoingAway, "")
		if onClose != nil {
			onClose(c)
		}
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected close")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))

		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("connection_id", c.ID).Msg("malformed client message")
			continue
		}
		if onMessage != nil {
			onMessage(Inbound{Conn: c, Type: msg.Type, Payload: msg.Payload})
		}
	}
}

// Send queues one raw frame directly to this connection, used for
// per-connection error responses.
func (c *Conn) Send(data []byte) {
	if !c.trySend(data) {
		c.closeWithCode(CloseSlowConsumer, "slow consumer")
	}
}
