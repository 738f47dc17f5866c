// Package websocket streams dirwatcher events to connected clients as they
// are reported by the poll loop.
//
// Each client has a dedicated buffered channel of JSON-encoded frames. Publish
// uses a non-blocking send, so a slow or stalled client loses events instead
// of delaying the next poll. Clients that need every event read the journal
// through /api/v1/events instead.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dirwatcher/dirwatcher/internal/agent"
)

// DefaultBufferSize is the per-client frame buffer used when NewBroadcaster is
// given a non-positive size.
const DefaultBufferSize = 64

// Message is the JSON envelope pushed to clients. Type is always "event".
type Message struct {
	Type string      `json:"type"`
	Data agent.Event `json:"data"`
}

// Client represents a single connected stream client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel on which encoded frames are delivered. It is
// closed when the client is unregistered or the broadcaster is closed.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans events out to every registered client. It implements
// agent.Publisher and is safe for concurrent use.
type Broadcaster struct {
	bufSize int
	logger  *slog.Logger

	// mu guards clients and closed. Publish holds the read lock while
	// sending, so a channel is never closed mid-send.
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewBroadcaster creates a Broadcaster with bufSize frames of buffering per
// client.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register creates a client with the given id. The caller must call
// Unregister(id) when the client disconnects. After Close, Register returns
// a client whose Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish encodes evt once and offers it to every client without blocking.
func (b *Broadcaster) Publish(evt agent.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || len(b.clients) == 0 {
		return
	}

	raw, err := json.Marshal(Message{Type: "event", Data: evt})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	for _, c := range b.clients {
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("event_id", evt.ID.String()),
			)
		}
	}
}

// Close unregisters every client. Afterwards Publish is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}

var _ agent.Publisher = (*Broadcaster)(nil)
