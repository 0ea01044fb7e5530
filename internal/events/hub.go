// Package events streams session activity to websocket subscribers.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/session"
)

// Event types
const (
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeInteraction    = "interaction"
)

// Event is one broadcast message.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode,omitempty"`
	Method    string    `json:"method,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Status    int       `json:"status,omitempty"`
	Matched   bool      `json:"matched,omitempty"`
	Error     string    `json:"error,omitempty"`
	Entries   int       `json:"entries,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	// gorilla connections allow one concurrent writer.
	writeMu sync.Mutex
}

// Hub manages live connections for event broadcasts.
type Hub struct {
	logger  logger.Logger
	clients map[*client]struct{}
	mu      sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub creates a new hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		logger:  log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and subscribes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.register(conn)
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) {
	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	c.conn.Close()
}

// Broadcast sends event to all active connections.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "error", err)
		return
	}

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.writeMu.Unlock()
		if err != nil {
			h.logger.Warn("Failed to write to websocket client", "error", err)
			h.unregister(c)
		}
	}
}

// SessionStarted implements session.Observer
func (h *Hub) SessionStarted(in session.Info) {
	h.Broadcast(Event{
		Type:      TypeSessionStarted,
		SessionID: in.ID,
		Mode:      string(in.Mode),
		URI:       in.RecordingFile,
		Entries:   in.Entries,
		Timestamp: in.StartedAt.UTC(),
	})
}

// SessionStopped implements session.Observer
func (h *Hub) SessionStopped(in session.Info) {
	h.Broadcast(Event{
		Type:      TypeSessionStopped,
		SessionID: in.ID,
		Mode:      string(in.Mode),
		URI:       in.RecordingFile,
		Entries:   in.Entries,
		Timestamp: in.StoppedAt.UTC(),
	})
}

// Close terminates all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
