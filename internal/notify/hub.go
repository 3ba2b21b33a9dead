package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Size of the client send buffer.
	sendBufferSize = 64

	// Number of broadcasts replayed to a newly connected client.
	historySize = 20
)

// Message types sent to websocket clients.
const (
	MsgTypeNotification = "notification"
	MsgTypeConnected    = "connected"
)

// ErrHubClosed is returned by All after Close.
var ErrHubClosed = errors.New("notify: hub closed")

// Message is the JSON frame sent to websocket clients.
type Message struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub keeps the connected websocket clients and broadcasts to all of them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	history  []Message
	closed   bool
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub creates an empty hub. Connections are accepted from any origin;
// access control belongs to the HTTP layer in front of ServeHTTP.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// All queues message for every connected client. Clients whose buffer is full
// miss the message.
func (h *Hub) All(_ context.Context, message string) error {
	msg := Message{Type: MsgTypeNotification, Message: message, Timestamp: h.now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.history = append(h.history, msg)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for c := range h.clients {
		c.send(msg)
	}
	return nil
}

// Recent returns the last broadcasts, oldest first.
func (h *Hub) Recent() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.history...)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and registers the client. The
// client first receives a connected frame followed by the recent broadcasts.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, out: make(chan Message, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	c.send(Message{Type: MsgTypeConnected, Timestamp: h.now()})
	for _, m := range h.history {
		c.send(m)
	}
	total := len(h.clients)
	h.mu.Unlock()
	log.Debugf("websocket client registered (total=%d)", total)

	go c.writePump()
	go c.readPump()
}

// Close disconnects every client. Later broadcasts fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		log.Debugf("websocket client unregistered (total=%d)", len(h.clients))
	}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	out    chan Message
	mu     sync.Mutex
	closed bool
}

func (c *client) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- msg:
	default:
		log.Warn("websocket send buffer full, dropping notification")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// readPump discards client frames and unregisters the client once the
// connection fails.
func (c *client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debugf("websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("failed to encode notification: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
