// ABOUTME: Represents a single live client connection held by this gateway.
// ABOUTME: Owns a bounded outbound queue drained by one writer goroutine.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// DefaultQueueSize is the outbound buffer per connection.
const DefaultQueueSize = 64

// writeTimeout bounds a single transport write.
const writeTimeout = 10 * time.Second

// ErrConnectionClosed indicates the connection was closed before the message was queued.
var ErrConnectionClosed = errors.New("connection closed")

// Transport pushes bytes to a client. Implementations need not be safe for
// concurrent Write calls; the Connection serializes them.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Frame is the JSON envelope clients receive for every delivered message.
type Frame struct {
	Type    string         `json:"type"`
	Message fanout.Message `json:"message"`
}

// Connection is one client session with its transport.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	mu       sync.RWMutex
	entities map[fanout.Entity]struct{}
}

// NewConnection creates a connection and starts its writer goroutine.
// A non-positive queueSize uses DefaultQueueSize.
func NewConnection(id, userID string, transport Transport, queueSize int, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		transport:   transport,
		queue:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
		logger:      logger,
		entities:    make(map[fanout.Entity]struct{}),
	}
	go c.writeLoop()
	return c
}

// Send frames msg and queues it for the writer. It blocks while the queue is
// full until ctx is done or the connection closes.
func (c *Connection) Send(ctx context.Context, msg fanout.Message) error {
	data, err := json.Marshal(Frame{Type: "message", Message: msg})
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.Enqueue(ctx, data)
}

// Enqueue queues raw bytes for the writer. A cancelled ctx never queues,
// even when the queue has room.
func (c *Connection) Enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the transport. Safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("closing transport", "connection_id", c.ID, "error", err)
		}
	})
}

// writeLoop drains the queue until the connection closes. A failed write
// closes the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.transport.Write(ctx, data)
			cancel()
			if err != nil {
				c.logger.Warn("write failed, closing connection",
					"connection_id", c.ID,
					"user_id", c.UserID,
					"error", err,
				)
				c.Close("write failed")
				return
			}
		}
	}
}

// AddEntity records a subscription held by this connection.
func (c *Connection) AddEntity(e fanout.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[e] = struct{}{}
}

// RemoveEntity forgets a subscription. Returns false if it was not held.
func (c *Connection) RemoveEntity(e fanout.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entities[e]; !ok {
		return false
	}
	delete(c.entities, e)
	return true
}

// Entities returns a copy of the current subscriptions.
func (c *Connection) Entities() []fanout.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]fanout.Entity, 0, len(c.entities))
	for e := range c.entities {
		out = append(out, e)
	}
	return out
}
