// Package realtime pushes notification events to connected clients over
// WebSockets. Clients join a room named after their user id; the gateway
// delivers each event to the recipient's room on every instance via Redis.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

const sendBuffer = 64

// Publisher delivers an addressed event to its recipient's room.
type Publisher interface {
	Publish(ctx context.Context, event prescription.Event) error
}

// Client is one WebSocket connection.
type Client struct {
	ID    string
	Actor prescription.ActorRef
	Send  chan []byte
}

// NewClient creates a client for actor with a buffered send queue.
func NewClient(id string, actor prescription.ActorRef) *Client {
	return &Client{ID: id, Actor: actor, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks connected clients by user id.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Register adds client to its user's room.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[client.Actor.ID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[client.Actor.ID] = room
	}
	room[client] = struct{}{}
	h.metrics.WebsocketConnections.Inc()
}

// Unregister removes client and closes its send channel. Calling it twice is
// harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.Actor.ID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.Actor.ID)
	}
	close(client.Send)
	h.metrics.WebsocketConnections.Dec()
}

// Deliver queues data for every connection of userID and returns how many
// received it. Slow clients whose queue is full are skipped.
func (h *Hub) Deliver(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.rooms[userID] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn("client send queue full, dropping event",
				zap.String("client_id", client.ID),
				zap.String("user_id", userID))
		}
	}
	return sent
}

// Publish delivers event to the connections held by this hub only. Used when
// the gateway runs as a single instance without Redis.
func (h *Hub) Publish(_ context.Context, event prescription.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.Deliver(event.Recipient.ID, data)
	return nil
}

// ClientCount returns the number of open connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// RoomSize returns the number of connections for userID
func (h *Hub) RoomSize(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}
