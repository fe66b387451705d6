package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xelth-com/graphnotify/internal/models"
)

// Outbound message types
const (
	TypeNotification = "notification"
	TypeAck          = "ack"
	TypeError        = "error"
)

// OutboundMessage is the frame written to a client
type OutboundMessage struct {
	Type           string        `json:"type"`
	Action         string        `json:"action,omitempty"`
	SubscriptionID string        `json:"subscriptionId,omitempty"`
	Data           *models.Event `json:"data,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Hub maintains the set of live clients and their room membership.
// Rooms are keyed by subscription id.
type Hub struct {
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	// Mutex for thread-safe access to clients and rooms
	mu sync.RWMutex

	upgrader websocket.Upgrader
	log      *slog.Logger
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithAllowedOrigins restricts websocket upgrades to the given origins.
// With no origins every origin is accepted.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// NewHub creates a new Hub instance
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "relay"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("client connected", "client_id", c.ID)
}

// Join adds c to the room for subscriptionID
func (h *Hub) Join(c *Client, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	room, ok := h.rooms[subscriptionID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[subscriptionID] = room
	}
	room[c] = struct{}{}
	c.rooms[subscriptionID] = struct{}{}
}

// Leave removes c from the room for subscriptionID
func (h *Hub) Leave(c *Client, subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, subscriptionID)
}

func (h *Hub) leaveLocked(c *Client, subscriptionID string) {
	if room, ok := h.rooms[subscriptionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, subscriptionID)
		}
	}
	delete(c.rooms, subscriptionID)
}

// LeaveAll removes c from every room and from the hub, then closes it.
// Called when the connection goes away.
func (h *Hub) LeaveAll(c *Client) {
	h.mu.Lock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	_, known := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
	if known {
		h.log.Debug("client disconnected", "client_id", c.ID)
	}
}

// Broadcast sends event to every client in the subscription's room and
// returns how many clients accepted it. Closed or backed-up clients are skipped.
func (h *Hub) Broadcast(subscriptionID string, event models.Event) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[subscriptionID]))
	for c := range h.rooms[subscriptionID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	return h.deliver(members, event)
}

// BroadcastAll sends event to every connected client
func (h *Hub) BroadcastAll(event models.Event) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		members = append(members, c)
	}
	h.mu.RUnlock()

	return h.deliver(members, event)
}

func (h *Hub) deliver(members []*Client, event models.Event) int {
	if len(members) == 0 {
		return 0
	}
	msg, err := json.Marshal(OutboundMessage{Type: TypeNotification, Data: &event})
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return 0
	}

	delivered := 0
	for _, c := range members {
		if !c.IsOpen() {
			continue
		}
		if c.enqueue(msg) {
			delivered++
		} else {
			h.log.Warn("dropping event for slow client", "client_id", c.ID, "event_type", event.Type)
		}
	}
	return delivered
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in a subscription's room
func (h *Hub) RoomSize(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[subscriptionID])
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.LeaveAll(c)
	}
}
