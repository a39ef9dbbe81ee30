// ABOUTME: Entity directory interface and types shared by the SQLite and Postgres drivers
// ABOUTME: Maps entities to subscribed connections with their last activity and heartbeat times

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// ErrNotFound is returned when a requested subscription does not exist
var ErrNotFound = errors.New("not found")

// Subscription records that a connection wants messages for an entity
type Subscription struct {
	ConnectionID string
	UserID       string
	NodeID       string
	Entity       fanout.Entity
	LastActiveAt time.Time
}

// Directory is the fleet-wide entity directory. The read side satisfies
// fanout.Directory; the write side is driven by the gateway transport.
type Directory interface {
	fanout.Directory

	// Subscribe inserts or refreshes a subscription.
	Subscribe(ctx context.Context, sub Subscription) error

	// Unsubscribe removes one subscription. Returns ErrNotFound if absent.
	Unsubscribe(ctx context.Context, connectionID string, entity fanout.Entity) error

	// RemoveConnection removes every subscription of a connection.
	RemoveConnection(ctx context.Context, connectionID string) error

	// Touch sets last activity for every subscription of a connection and
	// returns how many subscriptions it updated. It also advances the
	// heartbeat.
	Touch(ctx context.Context, connectionID string, at time.Time) (int64, error)

	// Heartbeat records that nodeID still holds its connections. It
	// advances the heartbeat of the node's subscriptions without changing
	// last activity, which drives liveness.
	Heartbeat(ctx context.Context, nodeID string, at time.Time) (int64, error)

	// RemoveNode removes every subscription registered by a node and
	// returns how many rows went away.
	RemoveNode(ctx context.Context, nodeID string) (int64, error)

	// ExpireStale removes subscriptions whose heartbeat is older than before.
	ExpireStale(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
