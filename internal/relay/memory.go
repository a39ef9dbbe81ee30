// ABOUTME: In-process relay bus routing envelopes between gateway nodes by connection ID
// ABOUTME: Used for single-binary deployments and for multi-node tests

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// defaultInboxSize is the per-node inbox buffer.
const defaultInboxSize = 256

// MemoryHub is the shared medium several MemoryBridge nodes publish through.
type MemoryHub struct {
	mu     sync.RWMutex
	owners map[string]*MemoryBridge // connectionID -> owning node
	logger *slog.Logger
}

// NewMemoryHub creates an empty hub. Pass nil logger for default.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		owners: make(map[string]*MemoryBridge),
		logger: logger.With("component", "relay-hub"),
	}
}

// Node creates a bridge for one gateway node on this hub.
// A non-positive inboxSize uses the default.
func (h *MemoryHub) Node(nodeID string, inboxSize int) *MemoryBridge {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &MemoryBridge{
		hub:    h,
		nodeID: nodeID,
		inbox:  make(chan []byte, inboxSize),
		bound:  make(map[string]struct{}),
		done:   make(chan struct{}),
		logger: h.logger.With("node_id", nodeID),
	}
}

func (h *MemoryHub) owner(connectionID string) (*MemoryBridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.owners[connectionID]
	return b, ok
}

// route delivers an encoded envelope to the owning node's inbox.
// Non-blocking: envelopes are dropped when nobody owns the connection or the
// owner's inbox is full.
func (h *MemoryHub) route(connectionID string, data []byte) {
	owner, ok := h.owner(connectionID)
	if !ok {
		h.logger.Debug("no owner for connection, dropping envelope", "connection_id", connectionID)
		return
	}

	select {
	case <-owner.done:
	case owner.inbox <- data:
	default:
		owner.logger.Debug("inbox full, dropping envelope", "connection_id", connectionID)
	}
}

// MemoryBridge is one node's view of a MemoryHub.
type MemoryBridge struct {
	hub    *MemoryHub
	nodeID string
	inbox  chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	bound  map[string]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Bridge = (*MemoryBridge)(nil)

// AcquireHandle returns a handle publishing through the hub.
func (b *MemoryBridge) AcquireHandle(_ context.Context) (fanout.RelayHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &memoryHandle{bridge: b}, nil
}

// Bind makes this node the owner of connectionID on the hub.
func (b *MemoryBridge) Bind(_ context.Context, connectionID string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.bound[connectionID] = struct{}{}
	b.mu.Unlock()

	b.hub.mu.Lock()
	b.hub.owners[connectionID] = b
	b.hub.mu.Unlock()
	return nil
}

// Unbind releases ownership of connectionID if this node holds it.
func (b *MemoryBridge) Unbind(_ context.Context, connectionID string) error {
	b.mu.Lock()
	delete(b.bound, connectionID)
	b.mu.Unlock()

	b.hub.mu.Lock()
	if b.hub.owners[connectionID] == b {
		delete(b.hub.owners, connectionID)
	}
	b.hub.mu.Unlock()
	return nil
}

// Start drains the inbox into h until ctx is done or the bridge closes.
func (b *MemoryBridge) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case data := <-b.inbox:
				env, err := Decode(data)
				if err != nil {
					b.logger.Warn("dropping malformed envelope", "error", err)
					continue
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

// Close unbinds every connection and stops consumption.
func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]string, 0, len(b.bound))
	for id := range b.bound {
		ids = append(ids, id)
	}
	close(b.done)
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Unbind(context.Background(), id)
	}
	b.wg.Wait()
	return nil
}

type memoryHandle struct {
	bridge *MemoryBridge
}

func (h *memoryHandle) Publish(_ context.Context, connectionID string, msg fanout.Message) error {
	select {
	case <-h.bridge.done:
		return ErrClosed
	default:
	}
	data, err := Encode(NewEnvelope(h.bridge.nodeID, connectionID, msg))
	if err != nil {
		return err
	}
	h.bridge.hub.route(connectionID, data)
	return nil
}

func (h *memoryHandle) Clone() (fanout.RelayHandle, error) {
	select {
	case <-h.bridge.done:
		return nil, ErrClosed
	default:
	}
	return &memoryHandle{bridge: h.bridge}, nil
}

func (h *memoryHandle) Close() error { return nil }
