package game

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Client is one websocket connection. All writes go through out, drained by
// a single writer goroutine, so messages reach the socket in the order they
// were enqueued. A full buffer drops the message rather than stall the hub.
type Client struct {
	conn      *websocket.Conn
	userID    string
	out       chan []byte
	closeOnce sync.Once
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.out <- data:
	default:
		log.Printf("[WS] outbound buffer full for user %s, dropping message", c.userID)
	}
}

func (c *Client) writeLoop() {
	for data := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[WS] write error for user %s: %v", c.userID, err)
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.out) })
}

// Hub fans the committed event stream out to connected websocket clients.
// It is a projection of engine state, never a source of truth: it only ever
// relays events the emitter already sequenced, and each client's writer
// preserves that sequence on the wire.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan interface{}
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			go client.writeLoop()
			log.Printf("[WS] client connected: %s (total: %d)", client.userID, h.GetClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				client.conn.Close()
				log.Printf("[WS] client disconnected: %s (total: %d)", client.userID, len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			jsonMessage, err := json.Marshal(message)
			if err != nil {
				log.Printf("[WS] marshal error: %v", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				client.enqueue(jsonMessage)
			}
			h.mu.RUnlock()
		}
	}
}

// ConsumeEvents relays public engine events to every connection. User-scoped
// events are skipped here; the notifier delivers those.
func (h *Hub) ConsumeEvents(events <-chan Event) {
	for ev := range events {
		if ev.UserID != "" {
			continue
		}
		h.Broadcast(ev)
	}
}

func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		log.Println("[WS] broadcast channel full, dropping message")
	}
}

// SendToUser delivers a message to every connection of one user, in order
// with that connection's other messages.
func (h *Hub) SendToUser(userID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[WS] send marshal error: %v", err)
		return
	}

	h.mu.RLock()
	for client := range h.clients {
		if client.userID == userID {
			client.enqueue(data)
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) {
	h.register <- &Client{conn: conn, userID: userID, out: make(chan []byte, 256)}
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mu.RLock()
	for client := range h.clients {
		if client.conn == conn {
			h.mu.RUnlock()
			h.unregister <- client
			return
		}
	}
	h.mu.RUnlock()
}
