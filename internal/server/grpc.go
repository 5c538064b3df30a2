package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service name.
const ServiceName = "turnq.Queue"

// NewGRPCServer returns a gRPC server carrying the health service and
// reflection. Health reports SERVING for ServiceName and the empty name
// until the caller calls Shutdown on it.
func NewGRPCServer(authToken string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	g := rpcGuard{token: authToken, logger: logger}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(g.interceptors()...))

	hs := health.NewServer()
	for _, name := range []string{"", ServiceName} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}
