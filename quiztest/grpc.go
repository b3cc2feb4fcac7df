package quiztest

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	authgrpc "github.com/panyam/dogquiz/grpc"
)

// GRPCServer returns a gRPC server that accepts the same access tokens as the
// HTTP API and serves the standard health service. The caller owns Serve and Stop.
func (s *Server) GRPCServer(publicMethods ...string) *grpc.Server {
	config := authgrpc.NewInterceptorConfig(func(ctx context.Context, token string) (string, error) {
		return s.validateAccess(token)
	}, publicMethods...)

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(authgrpc.UnaryServerInterceptor(config)),
		grpc.StreamInterceptor(authgrpc.StreamServerInterceptor(config)),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	return srv
}
