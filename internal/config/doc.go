// Package config handles configuration loading for fanout-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml. Environment variables are expanded, defaults are applied, duration
// strings are parsed, and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FANOUT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fanout/gateway.yaml
//  3. ~/.config/fanout/gateway.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${FANOUT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service
//	  http_addr: "0.0.0.0:8080"    # websocket + JSON API
//
//	node:
//	  id: "gw-1"                   # generated when empty
//
//	database:
//	  driver: "sqlite"             # sqlite | postgres
//	  path: "/var/lib/fanout/directory.db"
//	  dsn: "postgres://..."
//
//	directory:
//	  sweep_interval: "30s"
//	  stale_after: "1h"            # rows whose node stopped heartbeating this long are expired
//
//	relay:
//	  driver: "memory"             # memory | rabbitmq | kafka
//	  buffer: 256
//	  dedupe_ttl: "2m"
//	  rabbitmq: {url: "amqp://...", exchange: "fanout.relay"}
//	  kafka: {brokers: ["localhost:9092"], topic: "fanout.relay"}
//
//	fanout:
//	  liveness_threshold: "60s"
//	  failure_policy: "drop_group" # drop_group | keep_partial
//	  send_queue_size: 64
//	  max_concurrency: 0           # 0 = unbounded
//
//	auth:
//	  jwt_secret: "..."            # empty = dev mode
//
//	logging:
//	  level: "info"
//	  format: "text"               # text | json
package config
