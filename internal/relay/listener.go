// ABOUTME: Relay listener delivering inbound envelopes to locally held connections
// ABOUTME: Keeps bridge bindings in step with the local connection table

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/fanout-gateway/internal/connection"
	"github.com/2389/fanout-gateway/internal/dedupe"
	"github.com/2389/fanout-gateway/internal/fanout"
)

// deliverTimeout bounds a push into a local connection's queue.
const deliverTimeout = 5 * time.Second

// Listener consumes envelopes for this node and pushes them into the local
// table. Envelopes for connections no longer held are dropped.
type Listener struct {
	bridge Bridge
	local  fanout.LocalTable
	seen   *dedupe.Cache
	logger *slog.Logger
}

// NewListener creates a listener. seen may be nil to disable deduplication.
func NewListener(bridge Bridge, local fanout.LocalTable, seen *dedupe.Cache, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		bridge: bridge,
		local:  local,
		seen:   seen,
		logger: logger.With("component", "relay-listener"),
	}
}

// Attach binds and unbinds connections on the bridge as the table
// registers and removes them.
func (l *Listener) Attach(table *connection.Table) {
	table.OnRegister(func(c *connection.Connection) {
		if err := l.bridge.Bind(context.Background(), c.ID); err != nil {
			l.logger.Error("binding connection on relay", "connection_id", c.ID, "error", err)
		}
	})
	table.OnUnregister(func(c *connection.Connection) {
		if err := l.bridge.Unbind(context.Background(), c.ID); err != nil {
			l.logger.Warn("unbinding connection on relay", "connection_id", c.ID, "error", err)
		}
	})
}

// Start begins consuming from the bridge.
func (l *Listener) Start(ctx context.Context) error {
	return l.bridge.Start(ctx, l.Handle)
}

// Handle delivers one envelope. It never returns an error: the relay is
// fire-and-forget and the publisher has already moved on.
func (l *Listener) Handle(ctx context.Context, env Envelope) {
	if l.seen != nil && l.seen.Seen(env.ID) {
		l.logger.Debug("dropping duplicate envelope", "envelope_id", env.ID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	err := l.local.SendMessage(ctx, env.ConnectionID, env.Message)
	switch {
	case err == nil:
		l.logger.Debug("relayed message delivered",
			"connection_id", env.ConnectionID,
			"message_id", env.Message.ID,
			"from_node", env.NodeID,
		)
	case errors.Is(err, connection.ErrConnectionNotFound):
		l.logger.Debug("relayed message for unknown connection",
			"connection_id", env.ConnectionID,
			"from_node", env.NodeID,
		)
	default:
		l.logger.Warn("relayed message not delivered",
			"connection_id", env.ConnectionID,
			"message_id", env.Message.ID,
			"error", err,
		)
	}
}
