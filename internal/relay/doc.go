// Package relay hands messages to the gateway process that owns a connection.
//
// # Overview
//
// A Bridge is a pub/sub channel keyed by connection ID. The fanout engine
// publishes through handles (AcquireHandle -> Clone -> Publish); every node binds the
// connections it holds and consumes the envelopes addressed to them.
//
// Publishing is at-most-once and fire-and-forget: a successful Publish only
// means the broker accepted the envelope, not that the owner still holds the
// connection.
//
// # Drivers
//
//   - MemoryHub/MemoryBridge: in-process, for single binaries and tests
//   - RabbitMQBridge: topic exchange, routing key "conn.<id>", one exclusive
//     queue per node with a binding per held connection
//   - KafkaBridge: one topic, record key = connection ID, each node filters
//
// # Envelopes
//
// Envelopes are msgpack-encoded. The envelope ID is "<message id>/<connection
// id>", which lets the Listener drop redeliveries via the dedupe cache.
package relay
