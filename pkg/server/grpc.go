package server

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// newGRPCServer builds the gRPC server. It serves the standard health
// service so load balancers and orchestration platforms can probe the
// orchestrator, plus reflection when enabled.
func (s *Server) newGRPCServer(tlsConfig *tls.Config) *grpc.Server {
	grpcCfg := s.config.Server.GRPC

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			s.grpcLoggingInterceptor,
			s.limiter.GRPCRateLimitInterceptor,
			s.auth.GRPCAuthInterceptor,
		),
	}
	if grpcCfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(grpcCfg.MaxRecvMsgSize))
	}
	if grpcCfg.ConnectionTimeout > 0 {
		opts = append(opts, grpc.ConnectionTimeout(grpcCfg.ConnectionTimeout))
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, s.healthServer)
	if grpcCfg.ReflectionEnabled {
		reflection.Register(srv)
	}
	return srv
}
