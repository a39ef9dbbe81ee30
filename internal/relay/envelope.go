// ABOUTME: Relay envelope carrying one message to one remote connection
// ABOUTME: Encoded with msgpack for every broker-backed bridge

package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/2389/fanout-gateway/internal/fanout"
)

var (
	// ErrClosed is returned when publishing through a closed bridge.
	ErrClosed = errors.New("relay closed")

	// ErrPublish wraps a broker-level publish failure.
	ErrPublish = errors.New("relay publish failed")

	// ErrDecode wraps a malformed envelope.
	ErrDecode = errors.New("decoding relay envelope")
)

// Envelope is the unit handed across node boundaries.
type Envelope struct {
	ID           string         `msgpack:"id"`
	NodeID       string         `msgpack:"node_id"` // publishing node
	ConnectionID string         `msgpack:"connection_id"`
	Message      fanout.Message `msgpack:"message"`
	SentAt       time.Time      `msgpack:"sent_at"`
}

// NewEnvelope addresses msg to connectionID. The envelope ID is derived from
// the message and connection so a redelivered or republished envelope keeps
// the same ID.
func NewEnvelope(nodeID, connectionID string, msg fanout.Message) Envelope {
	return Envelope{
		ID:           msg.ID + "/" + connectionID,
		NodeID:       nodeID,
		ConnectionID: connectionID,
		Message:      msg,
		SentAt:       time.Now().UTC(),
	}
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.ConnectionID == "" {
		return Envelope{}, fmt.Errorf("%w: missing connection_id", ErrDecode)
	}
	return env, nil
}

// routingKey is the broker key for a connection.
func routingKey(connectionID string) string {
	return "conn." + connectionID
}
