package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picocrm/pkg/bus"
	"github.com/sipeed/picocrm/pkg/logger"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
	sendBuffer  = 128
)

// client is one websocket subscriber. Writes go through a buffered channel
// drained by a single goroutine.
type client struct {
	id    string
	token string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newClient(token string, ws *websocket.Conn) *client {
	return &client{
		id:    uuid.NewString(),
		token: token,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		close: make(chan struct{}),
	}
}

// enqueue drops a slow client rather than block the fan-out.
func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.shutdown(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *client) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; the stream is server to client.
func (c *client) readLoop() {
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub broadcasts bus events to every attached websocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	stop    func()
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Run forwards events from mb until Close.
func (h *Hub) Run(mb *bus.MessageBus) {
	h.stop = mb.Handle(func(ev bus.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.ErrorCF("gateway", "Failed to encode event", map[string]interface{}{"error": err.Error()})
			return
		}
		h.broadcast(payload)
	})
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	go c.writeLoop()
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

func (h *Hub) broadcast(payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if err := c.enqueue(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Len reports the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeToken disconnects every client opened with a session that has ended.
func (h *Hub) closeToken(token string) {
	h.mu.Lock()
	var ended []*client
	for id, c := range h.clients {
		if c.token == token {
			ended = append(ended, c)
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
	for _, c := range ended {
		c.shutdown(4001, "session ended")
	}
}

func (h *Hub) Close() {
	if h.stop != nil {
		h.stop()
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutdown")
	}
}
