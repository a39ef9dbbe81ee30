// ABOUTME: gRPC server construction for the gateway
// ABOUTME: Serves the standard health service so load balancers can probe each node

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// newGRPCServer builds the gRPC server with keepalive settings and the
// health service registered.
func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	// Configure keepalive to detect dead probes and long-lived idle clients
	kaParams := keepalive.ServerParameters{
		Time:    15 * time.Second, // Ping client if no activity for 15s
		Timeout: 5 * time.Second,  // Wait 5s for ping ack before closing
	}
	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second, // Allow client pings every 5s
		PermitWithoutStream: true,            // Allow pings even without active streams
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
	)

	healthServer := health.NewServer()
	// Not serving until the relay listener is up.
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	logger.Debug("gRPC health service registered")
	return server, healthServer
}
