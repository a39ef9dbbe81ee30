// ABOUTME: Bridge interface shared by all relay drivers
// ABOUTME: Publishing side for the fanout engine, subscribing side for the listener

package relay

import (
	"context"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// Handler receives envelopes addressed to connections bound on this node.
type Handler func(ctx context.Context, env Envelope)

// Bridge is a pub/sub channel keyed by connection ID. A node binds the
// connections it holds and receives envelopes published for them by any
// node, itself included.
type Bridge interface {
	fanout.RelayBridge

	// Bind starts routing envelopes for connectionID to this node.
	Bind(ctx context.Context, connectionID string) error

	// Unbind stops routing envelopes for connectionID to this node.
	Unbind(ctx context.Context, connectionID string) error

	// Start consumes envelopes until ctx is done or the bridge is closed.
	// It returns once consumption is set up.
	Start(ctx context.Context, h Handler) error

	Close() error
}
