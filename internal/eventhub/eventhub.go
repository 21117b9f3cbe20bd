// Package eventhub fans orchestrator and sentinel events out to
// WebSocket subscribers watching an evolution cycle live.
package eventhub

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/evolution-substrate/engine/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is one event broadcast to every connected client.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub fans Broadcast calls out to every currently-connected client.
type Hub struct {
	log *logger.Logger

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Message
	mu         sync.RWMutex
}

// New constructs a Hub. Call Run in its own goroutine before serving
// HandleWS.
func New(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("eventhub")
	}
	return &Hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Message, 256),
	}
}

// Run drives the hub's registration and fan-out loop until stop is
// closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			h.log.WithField("clients", len(h.clients)).Debug("eventhub client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues msgType/data for delivery to every connected
// client. Non-blocking: a full buffer drops the message rather than
// stalling the caller.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: data}:
	default:
		h.log.Warn("eventhub broadcast buffer full, dropping event")
	}
}

// HandleWS upgrades r to a WebSocket and registers the connection with
// the hub. Satisfies http.HandlerFunc's signature directly so it can be
// wired into gin via gin.WrapF or called from a raw mux.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.register <- conn
	conn.WriteJSON(Message{Type: "connected"})

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.WithError(err).Debug("websocket read error")
				}
				return
			}
		}
	}()
}
