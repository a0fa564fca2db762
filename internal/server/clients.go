package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/embodia/internal/observability"
)

const (
	clientBuffer = 64
	writeWait    = 2 * time.Second
)

// client is one websocket connection. A single writer goroutine owns conn
// writes; everything else goes through send.
type client struct {
	id          string
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	dropped uint64
}

func newClient(id string, conn *websocket.Conn, remote string) *client {
	return &client{
		id:          id,
		conn:        conn,
		remote:      remote,
		connectedAt: time.Now(),
		send:        make(chan []byte, clientBuffer),
	}
}

// enqueue queues data without blocking. Slow clients lose messages.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropped++
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// clientRegistry tracks connected clients.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*client)}
}

func (r *clientRegistry) add(c *client) {
	r.mu.Lock()
	r.clients[c.id] = c
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetWebsocketClients(n)
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetWebsocketClients(n)
}

func (r *clientRegistry) all() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *clientRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// broadcaster fans events out to every connected client.
type broadcaster struct {
	clients *clientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

func (b *broadcaster) broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.all()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, c := range clients {
		if !c.enqueue(payload) {
			failed++
		}
	}
	if failed > 0 {
		b.logger.Debug().
			Str("event", event).
			Int64("seq", msg.Seq).
			Int("clients", len(clients)).
			Int("failed", failed).
			Msg("Event not delivered to every client")
	}
}
