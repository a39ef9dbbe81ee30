// ABOUTME: Value types shared by the fanout engine and its collaborators
// ABOUTME: Entity addressing, stored connections, messages, outcomes and receipts

package fanout

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the kind of logical recipient a message is addressed to.
type EntityType string

const (
	EntityUser         EntityType = "user"
	EntityChannel      EntityType = "channel"
	EntityProject      EntityType = "project"
	EntityDocument     EntityType = "document"
	EntityNotification EntityType = "notification"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityChannel, EntityProject, EntityDocument, EntityNotification:
		return true
	default:
		return false
	}
}

// Entity is a logical recipient: a user, channel, project, etc.
type Entity struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// String renders the entity as "type:id".
func (e Entity) String() string {
	return string(e.Type) + ":" + e.ID
}

// ParseEntity parses the "type:id" form produced by Entity.String.
func ParseEntity(s string) (Entity, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Entity{}, fmt.Errorf("%w: %q", ErrInvalidEntity, s)
	}
	e := Entity{Type: EntityType(typ), ID: id}
	if !e.Type.Valid() {
		return Entity{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEntity, typ)
	}
	return e, nil
}

// StoredConnectionEntity is one open client connection subscribed to an
// entity, as recorded in the entity directory.
type StoredConnectionEntity struct {
	ConnectionID string
	UserID       string
	NodeID       string // gateway that registered the subscription; informational only
	LastActiveAt time.Time
}

// Message is the payload delivered to every connection of an entity.
// It must not be mutated once handed to DeliverToEntity.
type Message struct {
	ID        string            `json:"id" msgpack:"id"`
	Topic     string            `json:"topic" msgpack:"topic"`
	Payload   []byte            `json:"payload" msgpack:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" msgpack:"created_at"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(topic string, payload []byte) Message {
	return Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// DeliveryOutcome is the result of one dispatch attempt to one connection.
type DeliveryOutcome struct {
	UserID    string
	Delivered bool
	Active    bool
}

// MessageReceipt summarizes delivery to one recipient user.
type MessageReceipt struct {
	UserID        string `json:"user_id"`
	DeliveryCount int    `json:"delivery_count"`
	Active        bool   `json:"active"`
}
