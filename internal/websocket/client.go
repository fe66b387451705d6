package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Closed when the client leaves the hub; never reopened.
	done      chan struct{}
	closeOnce sync.Once

	// Rooms this client joined, guarded by hub.mu
	rooms map[string]struct{}

	ID string
}

// InboundMessage is a client request
type InboundMessage struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Room           string `json:"room,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
		ID:    "web_" + uuid.New().String(),
	}
}

// IsOpen reports whether the client can still receive messages
func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues msg without blocking; false when closed or the buffer is full
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendJSON queues a JSON message for the client
func (c *Client) SendJSON(v interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(msg)
}

func (c *Client) handle(raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.SendJSON(OutboundMessage{Type: TypeError, Error: "invalid message"})
		return
	}

	room := msg.SubscriptionID
	if room == "" {
		room = msg.Room
	}

	switch msg.Type {
	case "join", "create_room":
		if room == "" {
			c.SendJSON(OutboundMessage{Type: TypeError, Error: "subscriptionId is required"})
			return
		}
		c.hub.Join(c, room)
		c.SendJSON(OutboundMessage{Type: TypeAck, Action: "join", SubscriptionID: room})
	case "leave":
		c.hub.Leave(c, room)
		c.SendJSON(OutboundMessage{Type: TypeAck, Action: "leave", SubscriptionID: room})
	default:
		c.SendJSON(OutboundMessage{Type: TypeError, Error: "unknown message type"})
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.LeaveAll(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", "client_id", c.ID, "error", err)
			}
			return
		}
		c.handle(message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.LeaveAll(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.LeaveAll(c)
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := newClient(h, conn, sendBufferSize)
	h.register(client)

	go client.writePump()
	go client.readPump()
}
