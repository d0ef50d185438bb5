package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"PegLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the named service reported next to the overall ("")
// status.
const HealthServiceName = "pegledger"

// GRPCHealthServer serves grpc.health.v1 and server reflection so gRPC
// health checks and grpcurl see the same readiness as /readyz.
type GRPCHealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	checker    *observability.HealthChecker
	addr       string
	interval   time.Duration
	logger     zerolog.Logger
}

func NewGRPCHealthServer(addr string, checker *observability.HealthChecker) *GRPCHealthServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCHealthServer{
		grpcServer: grpcServer,
		health:     healthServer,
		checker:    checker,
		addr:       addr,
		interval:   5 * time.Second,
		logger:     observability.NewLogger("grpc"),
	}
}

// Refresh copies the checker's readiness into the serving status.
func (s *GRPCHealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	ready, failures := s.checker.Check(ctx)
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	} else if len(failures) > 0 {
		s.logger.Warn().Interface("failures", failures).Msg("dependency checks failing")
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	return status
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *GRPCHealthServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.addr).Msg("gRPC health server listening")
	return s.Serve(ctx, lis)
}

// Serve runs on lis, refreshing the serving status every interval. On
// shutdown every watcher is told NOT_SERVING before the server stops.
func (s *GRPCHealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		s.Refresh(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
