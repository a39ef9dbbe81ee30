// Package dedupe tracks recently seen relay envelope IDs.
//
// Brokers used by the relay may redeliver an envelope (consumer restarts,
// rebalances). Delivery is at-most-once from the client's point of view, so
// the relay listener asks Seen(id) before pushing and drops repeats.
package dedupe
