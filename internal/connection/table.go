// ABOUTME: Sharded table of client connections held by this gateway process.
// ABOUTME: Answers membership checks and pushes messages for the fanout engine.

package connection

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// ErrAlreadyRegistered indicates a connection with the same ID is already held.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrConnectionNotFound indicates this process does not hold the connection.
var ErrConnectionNotFound = errors.New("connection not found")

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Table tracks every connection held by this process. It is safe for
// concurrent use and implements fanout.LocalTable.
type Table struct {
	shards [shardCount]*shard
	logger *slog.Logger

	hookMu       sync.RWMutex
	onRegister   []func(*Connection)
	onUnregister []func(*Connection)
}

var _ fanout.LocalTable = (*Table)(nil)

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{logger: logger}
	for i := range t.shards {
		t.shards[i] = &shard{conns: make(map[string]*Connection)}
	}
	return t
}

func (t *Table) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return t.shards[h.Sum32()%shardCount]
}

// OnRegister adds a hook run after a connection is registered.
func (t *Table) OnRegister(fn func(*Connection)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onRegister = append(t.onRegister, fn)
}

// OnUnregister adds a hook run after a connection is removed.
func (t *Table) OnUnregister(fn func(*Connection)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onUnregister = append(t.onUnregister, fn)
}

// Register adds a connection.
// Returns ErrAlreadyRegistered if a connection with the same ID exists.
func (t *Table) Register(conn *Connection) error {
	s := t.shardFor(conn.ID)
	s.mu.Lock()
	if _, exists := s.conns[conn.ID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	t.logger.Info("client connected",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"total_connections", t.Len(),
	)

	t.hookMu.RLock()
	hooks := t.onRegister
	t.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(conn)
	}
	return nil
}

// Unregister removes a connection and returns it, or nil if it was not held.
// The connection itself is not closed.
func (t *Table) Unregister(id string) *Connection {
	s := t.shardFor(id)
	s.mu.Lock()
	conn, exists := s.conns[id]
	if exists {
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if !exists {
		return nil
	}

	t.logger.Info("client disconnected",
		"connection_id", id,
		"user_id", conn.UserID,
		"total_connections", t.Len(),
	)

	t.hookMu.RLock()
	hooks := t.onUnregister
	t.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(conn)
	}
	return conn
}

// Get retrieves a connection by ID.
func (t *Table) Get(id string) (*Connection, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	return conn, ok
}

// HasConnection reports whether this process holds the connection.
func (t *Table) HasConnection(id string) bool {
	_, ok := t.Get(id)
	return ok
}

// SendMessage pushes msg to a held connection.
func (t *Table) SendMessage(ctx context.Context, id string, msg fanout.Message) error {
	conn, ok := t.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.Send(ctx, msg)
}

// Len returns the number of held connections.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Info is the public view of a held connection.
type Info struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ConnectedAt string          `json:"connected_at"`
	Entities    []fanout.Entity `json:"entities"`
}

// List returns information about every held connection.
func (t *Table) List() []Info {
	var infos []Info
	for _, s := range t.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			infos = append(infos, Info{
				ID:          c.ID,
				UserID:      c.UserID,
				ConnectedAt: c.ConnectedAt.Format(time.RFC3339),
				Entities:    c.Entities(),
			})
		}
		s.mu.RUnlock()
	}
	return infos
}

// CloseAll unregisters and closes every held connection.
func (t *Table) CloseAll(reason string) {
	var ids []string
	for _, s := range t.shards {
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	for _, id := range ids {
		if conn := t.Unregister(id); conn != nil {
			conn.Close(reason)
		}
	}
}
