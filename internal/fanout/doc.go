// Package fanout delivers one application message to every live client
// connection subscribed to an entity, across a fleet of gateway processes.
//
// # Overview
//
// Each gateway holds only a subset of all open connections. To deliver a
// message to an entity (a user, channel, project, ...) the Orchestrator:
//
//  1. Resolves every subscribed connection through the Directory
//  2. Partitions them into local (held by this process) and remote
//  3. Dispatches both groups concurrently, one task per connection
//  4. Folds the outcomes into one MessageReceipt per user
//
// Local connections are pushed through the LocalTable. Remote connections
// are handed to the RelayBridge, which forwards them to the owning gateway.
// One RelayHandle is acquired per call before any dispatch; each remote task
// publishes through its own Clone of it.
//
// # Receipts
//
// A receipt counts how many of a user's connections were reached and
// reports Active if any of them is live per the LivenessPolicy. Users with
// no successful delivery get no receipt.
//
// # Failure Policy
//
// Directory and relay-handle failures are returned to the caller. Individual
// dispatch failures are not. With PolicyDropGroup (the default) one failed
// task discards every outcome of its group; PolicyKeepPartial keeps the
// successful siblings.
package fanout
