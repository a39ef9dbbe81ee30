// ABOUTME: Error taxonomy for the fanout engine
// ABOUTME: Fatal errors abort a delivery call; dispatch errors only degrade results

package fanout

import "errors"

// Fatal: returned from DeliverToEntity, no partial result.
var (
	// ErrResolve wraps a failure of the entity directory lookup.
	ErrResolve = errors.New("resolving entity connections")

	// ErrAcquireRelay wraps a failure to obtain a relay handle before remote dispatch.
	ErrAcquireRelay = errors.New("acquiring relay handle")
)

// Degraded: never returned to the caller, only logged and counted.
var (
	// ErrLocalSend wraps a failed push to a connection held by this process.
	ErrLocalSend = errors.New("local send failed")

	// ErrRemotePublish wraps a failed hand-off to the relay bridge.
	ErrRemotePublish = errors.New("remote publish failed")
)

// ErrInvalidEntity is returned when parsing a malformed entity string.
var ErrInvalidEntity = errors.New("invalid entity")
