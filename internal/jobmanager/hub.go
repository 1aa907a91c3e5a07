package jobmanager

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/bobmcallan/sfcluster/internal/common"
)

// clientSendBuffer bounds the per-client outbound queue. A client that falls
// this far behind is dropped rather than back-pressuring the scheduler.
const clientSendBuffer = 256

// Hub manages the set of connected clients and fans out line-framed JSON.
// Broadcast and SendTo preserve per-client frame order: each client has a
// single-consumer outbound queue drained by its own writer goroutine, and
// frames are enqueued under the hub lock in call order.
type Hub struct {
	logger *common.Logger

	mu      sync.Mutex
	clients map[*Client]bool
}

// Client is one connected sink. The zero value is not usable; obtain clients
// from Hub.Register.
type Client struct {
	conn   io.WriteCloser
	send   chan []byte
	closed bool // guarded by hub.mu
}

// NewHub creates an empty hub.
func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]bool),
	}
}

// Register adds a sink to the client set and starts its writer goroutine.
func (h *Hub) Register(conn io.WriteCloser) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	go h.writePump(c)

	h.logger.Debug().Int("clients", count).Msg("Client connected")
	return c
}

// Unregister removes a client, closes its queue and its connection. Safe to
// call multiple times and concurrently with Broadcast.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	h.logger.Debug().Int("clients", count).Msg("Client disconnected")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes obj once as compact JSON + newline and enqueues it for
// every connected client. Clients whose queue is full are dropped.
func (h *Hub) Broadcast(obj any) {
	data, err := encodeFrame(obj)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode broadcast frame")
		return
	}

	var slow []*Client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn().Msg("Client send queue full, dropping client")
		h.Unregister(c)
	}
}

// SendTo encodes obj and enqueues it for a single client (direct replies).
// Failure handling matches Broadcast.
func (h *Hub) SendTo(c *Client, obj any) {
	data, err := encodeFrame(obj)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode reply frame")
		return
	}

	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		h.mu.Unlock()
		return
	default:
	}
	h.mu.Unlock()

	h.logger.Warn().Msg("Client send queue full, dropping client")
	h.Unregister(c)
}

// writePump drains one client's queue onto its connection. A write error
// removes the client; other clients are unaffected.
func (h *Hub) writePump(c *Client) {
	for data := range c.send {
		if _, err := c.conn.Write(data); err != nil {
			h.Unregister(c)
			// Drain so a concurrent Broadcast holding a reference can't block.
			for range c.send {
			}
			return
		}
	}
}

// encodeFrame marshals obj as one compact JSON object terminated by a
// newline. The encoder never emits raw newlines inside values.
func encodeFrame(obj any) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
