// Package ws serves the dashboard WebSocket feed.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentforge/forge/internal/bus"
)

const (
	// historySize bounds the frame backlog replayed to new subscribers.
	historySize = 100

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 50 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from the same host; origin checks add
	// nothing when the API itself is unauthenticated on localhost.
	CheckOrigin: func(*http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	send chan bus.Frame
}

// Hub fans frames out to WebSocket subscribers and keeps a short history
// for replay on connect.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	history     []bus.Frame
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]*subscriber)}
}

// Broadcast sends a frame to every subscriber. Subscribers with a full
// send buffer are dropped rather than blocking the caller.
func (h *Hub) Broadcast(frame bus.Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, frame)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}

	var dead []string
	for id, sub := range h.subscribers {
		select {
		case sub.send <- frame:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		h.dropLocked(id)
	}
	h.mu.Unlock()
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	sub := &subscriber{conn: conn, send: make(chan bus.Frame, sendBufferSize)}

	h.mu.Lock()
	h.subscribers[id] = sub
	replay := make([]bus.Frame, len(h.history))
	copy(replay, h.history)
	h.mu.Unlock()

	slog.Debug("websocket subscriber connected", "id", id)

	// Recent frames first so the dashboard can render without waiting
	// for the next poll cycle.
	if len(replay) > 0 {
		sub.send <- bus.Frame{Type: "history", Timestamp: time.Now(), Payload: replay}
	}

	go h.writeLoop(id, sub)
	go h.readLoop(id, sub)
}

func (h *Hub) writeLoop(id string, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				sub.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(frame); err != nil {
				h.drop(id)
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.drop(id)
				return
			}
		}
	}
}

// readLoop drains client messages so pings/pongs and close frames are
// processed; inbound payloads are ignored.
func (h *Hub) readLoop(id string, sub *subscriber) {
	sub.conn.SetReadLimit(1024)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.drop(id)
			return
		}
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	h.dropLocked(id)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(id string) {
	if sub, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(sub.send)
		sub.conn.Close()
		slog.Debug("websocket subscriber dropped", "id", id)
	}
}
