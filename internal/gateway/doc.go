// Package gateway wires the fanout-gateway server components together.
//
// # Overview
//
// A Gateway is one node of the fleet. It owns the entity directory, the
// local connection table, the relay bridge and its listener, and the fanout
// orchestrator, and serves them over HTTP and gRPC.
//
// # HTTP
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (503 until the relay is consuming)
//   - GET /ws?entities=channel:abc,user:u1 - Websocket session
//   - POST /api/deliver - Fan a message out to an entity (publisher role)
//   - GET /api/connections - Connections held by this node (admin role)
//   - GET /api/stats - Fanout counters
//
// # Websocket Frames
//
// Clients send:
//
//	{"type": "subscribe", "entity": "channel:abc"}
//	{"type": "unsubscribe", "entity": "channel:abc"}
//	{"type": "ping"}
//
// and receive welcome, subscribed, unsubscribed, pong, error, and message
// frames. Any inbound frame counts as activity for the liveness policy;
// protocol-level websocket pings do not, so idle clients should send ping
// frames more often than fanout.liveness_threshold.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1.Health only.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel() // Run shuts down and returns
//
// Several gateways can share one process by passing WithDirectory and
// WithBridge (a relay.MemoryHub node each).
package gateway
