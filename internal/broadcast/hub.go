// Package broadcast fans bus events out to WebSocket subscribers. Events
// published within one merge window are coalesced per topic before they
// hit the wire, so a burst of queue updates costs one frame, not fifty.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	readLimit  = 4 << 10

	// sendBuffer frames may queue per client before it is dropped as slow.
	sendBuffer = 64
)

// Envelope is the wire format. A single event carries its topic in Type;
// a merged burst arrives as Type "batch" with the shared topic and the
// individual payloads in Items.
type Envelope struct {
	Type    string    `json:"type"`
	Topic   string    `json:"topic,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Items   []any     `json:"items,omitempty"`
	Time    time.Time `json:"ts"`
}

// Hub accepts WebSocket connections and broadcasts merged event frames
// to all of them. It satisfies bus.Broadcaster.
type Hub struct {
	upgrader websocket.Upgrader
	window   time.Duration
	log      *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}

	pendMu  sync.Mutex
	pending map[string][]any
	order   []string
}

// New creates a Hub with the given merge window; window <= 0 selects the
// 100 ms default.
func New(window time.Duration, log *slog.Logger) *Hub {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		window:  window,
		log:     log,
		clock:   time.Now,
		clients: map[*client]struct{}{},
		pending: map[string][]any{},
	}
}

// Broadcast queues one event for the next window flush.
func (h *Hub) Broadcast(topic string, payload any) {
	h.pendMu.Lock()
	defer h.pendMu.Unlock()
	if _, ok := h.pending[topic]; !ok {
		h.order = append(h.order, topic)
	}
	h.pending[topic] = append(h.pending[topic], payload)
}

// Run flushes pending events every merge window until ctx is cancelled,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.flush()
			h.closeAll()
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// flush drains the pending map into wire frames and fans them out.
func (h *Hub) flush() {
	for _, frame := range h.drain() {
		h.fanOut(frame)
	}
}

// drain builds one marshalled frame per pending topic, in first-seen
// order. Topics with a single event go out as-is; bursts become a batch
// envelope.
func (h *Hub) drain() [][]byte {
	h.pendMu.Lock()
	pending, order := h.pending, h.order
	h.pending = map[string][]any{}
	h.order = nil
	h.pendMu.Unlock()

	now := h.clock().UTC()
	frames := make([][]byte, 0, len(order))
	for _, topic := range order {
		events := pending[topic]
		var env Envelope
		if len(events) == 1 {
			env = Envelope{Type: topic, Payload: events[0], Time: now}
		} else {
			env = Envelope{Type: "batch", Topic: topic, Items: events, Time: now}
		}
		data, err := json.Marshal(env)
		if err != nil {
			h.log.Warn("marshal broadcast frame", "topic", topic, "error", err)
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

func (h *Hub) fanOut(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// The write pump is not keeping up; cut the client loose
			// rather than stall everyone else.
			delete(h.clients, c)
			close(c.send)
			h.log.Warn("dropping slow websocket client", "remote", c.remote)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		remote: r.RemoteAddr,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "remote", c.remote)

	go c.writePump()
	c.readPump(h)
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// readPump discards inbound frames until the connection dies, keeping the
// pong deadline fresh. Subscribers are read-only.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
