package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/billfold-app/billfold/internal/events"
)

// Hub maintains the set of connected status-feed clients and pushes job
// transitions to the clients watching the owning user.
type Hub struct {
	log *slog.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
	}
}

// statusFrame is the wire shape pushed to clients.
type statusFrame struct {
	Type         string `json:"type"`
	ReceiptID    string `json:"receiptId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Run pumps registrations and dispatcher transitions until the transitions
// channel closes.
func (h *Hub) Run(transitions <-chan events.Transition) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.log.Info("ws.client.connected", "user_id", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Info("ws.client.disconnected", "user_id", client.UserID)

		case t, ok := <-transitions:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(t)
		}
	}
}

func (h *Hub) broadcast(t events.Transition) {
	frame, err := json.Marshal(statusFrame{
		Type:         "receipt_status",
		ReceiptID:    t.ReceiptID.String(),
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
	})
	if err != nil {
		h.log.Error("ws.broadcast.marshal_failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.UserID != uuid.Nil && client.UserID != t.UserID {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Client is not keeping up; it will refetch state on reconnect.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
