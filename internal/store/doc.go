// Package store provides the entity directory: which connections are
// subscribed to which entities, which node registered them, and when each
// connection was last active.
//
// # Drivers
//
//   - SQLiteDirectory: modernc.org/sqlite, WAL mode, schema created on open.
//     Suited to a single node or nodes sharing a volume.
//   - PostgresDirectory: pgx pool, shared by every node in a fleet.
//
// Both satisfy Directory, whose read side is fanout.Directory.
//
// # Schema
//
// One table, subscriptions, keyed by (connection_id, entity_type, entity_id)
// with secondary indexes on the entity, the node, last_active_at, and
// seen_at. last_active_at is client activity and drives liveness; seen_at is
// the owning node's heartbeat and drives expiry.
//
// # Lifecycle of a row
//
//   - Subscribe on client subscribe (upsert)
//   - Touch on client activity (also advances seen_at)
//   - Heartbeat from the owning node's sweeper
//   - Unsubscribe or RemoveConnection when the client leaves
//   - RemoveNode when a node starts or stops, to clear rows it left behind
//   - ExpireStale from any sweeper for rows whose node stopped heartbeating
//
// # Testing
//
// Use NewSQLiteDirectory(":memory:") or a t.TempDir() path. The Postgres
// integration test needs Docker or FANOUT_TEST_PG_DSN and is skipped with -short.
package store
