// Package connection holds the client connections owned by one gateway process.
//
// # Table
//
// The Table is a sharded, concurrency-safe map of connection ID to
// *Connection. The fanout engine uses it through two calls:
//
//   - HasConnection(id): is this connection held here?
//   - SendMessage(ctx, id, msg): push a message to it
//
// Register/Unregister hooks let other components (the relay listener, the
// entity directory) follow connections as they come and go.
//
// # Connection
//
// Each Connection owns a bounded outbound queue drained by a single writer
// goroutine, so concurrent senders never interleave writes on the transport.
// Send blocks while the queue is full; a failed write closes the connection.
package connection
