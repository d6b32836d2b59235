// Package events broadcasts execution state transitions to websocket
// subscribers. Delivery is strictly best-effort: a slow or absent consumer
// never blocks or fails the coordinator.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"opsconductor/internal/engine"

	"github.com/google/uuid"
)

// envelope is the wire form of one event.
type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Serial    string    `json:"serial"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub maintains the set of active subscribers and fans events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations and broadcasts until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			slog.Debug("event subscriber connected", "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			slog.Debug("event subscriber disconnected", "total", h.ClientCount())

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish implements engine.Notifier. It never blocks: if the broadcast
// buffer is full the event is dropped.
func (h *Hub) Publish(e engine.Event) {
	data, err := json.Marshal(envelope{
		ID:        uuid.New().String(),
		Type:      e.Type,
		Serial:    e.Serial,
		Status:    e.Status,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		slog.Error("failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		slog.Warn("event broadcast buffer full, dropping event", "serial", e.Serial)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
