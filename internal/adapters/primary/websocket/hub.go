package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// Hub maintains the set of active Clients and routes update messages to
// every connection of the invoice owner.
type Hub struct {
	// clients maps user IDs to their active connections
	// A single user can have multiple connections (multiple tabs/devices)
	clients map[uuid.UUID]map[*Client]bool

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// done is closed once Run returns
	done chan struct{}

	// mu protects the clients map
	mu sync.RWMutex

	logger *slog.Logger
}

// ErrHubStopped is returned by Attach once Run has returned.
var ErrHubStopped = errors.New("websocket hub stopped")

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Run starts the hub's event loop and blocks until ctx is cancelled.
// All remaining connections are closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Attach registers conn for userID and starts its I/O pumps. The
// connection is closed when the hub has stopped.
func (h *Hub) Attach(conn *websocket.Conn, userID uuid.UUID) (*Client, error) {
	client := NewClient(h, conn, userID, h.logger)

	select {
	case h.Register <- client:
	case <-h.done:
		_ = conn.Close()
		return nil, ErrHubStopped
	}

	go client.WritePump()
	go client.ReadPump()
	return client, nil
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.UserID] == nil {
		h.clients[client.UserID] = make(map[*Client]bool)
	}
	h.clients[client.UserID][client] = true

	h.logger.Info("client registered",
		"user_id", client.UserID,
		"total_connections", len(h.clients[client.UserID]),
	)
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userClients, ok := h.clients[client.UserID]; ok {
		if _, exists := userClients[client]; exists {
			delete(userClients, client)
			if len(userClients) == 0 {
				delete(h.clients, client.UserID)
			}
		}
	}

	client.CloseSend()

	h.logger.Info("client unregistered",
		"user_id", client.UserID,
	)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, userClients := range h.clients {
		for client := range userClients {
			client.CloseSend()
		}
		delete(h.clients, userID)
	}
}

// requestUnregister hands client to the event loop without blocking once
// the loop has stopped.
func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// SendToUser queues msg on every connection of userID. A user without
// connections is not an error; a connection whose buffer is full is
// dropped so one slow reader cannot stall the others.
func (h *Hub) SendToUser(userID uuid.UUID, msg domain.Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode update message: %w", err)
	}

	h.mu.RLock()
	userClients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return nil
	}

	// Copy the client list to avoid holding the lock while sending
	clients := make([]*Client, 0, len(userClients))
	for client := range userClients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	h.logger.Debug("sending update",
		"type", msg.Kind(),
		"invoice_id", msg.InvoiceID,
		"user_id", userID,
		"client_count", len(clients),
	)

	for _, client := range clients {
		if !client.enqueue(frame) {
			h.logger.Warn("client send buffer full, unregistering",
				"user_id", client.UserID,
			)
			go h.requestUnregister(client)
		}
	}
	return nil
}

// GetClientCount returns the total number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, userClients := range h.clients {
		count += len(userClients)
	}
	return count
}

// IsUserConnected checks if a user has any active connections
func (h *Hub) IsUserConnected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
