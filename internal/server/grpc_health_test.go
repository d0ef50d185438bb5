package server_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"PegLedger/internal/observability"
	"PegLedger/internal/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func dialHealth(t *testing.T, srv *server.GRPCHealthServer) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCHealth_FollowsReadiness(t *testing.T) {
	checker := observability.NewHealthChecker()
	var natsUp atomic.Bool
	natsUp.Store(true)
	checker.Register("nats", func(context.Context) error {
		if !natsUp.Load() {
			return errors.New("nats not connected")
		}
		return nil
	})
	srv := server.NewGRPCHealthServer("", checker)
	client := dialHealth(t, srv)
	ctx := context.Background()

	if got := checkStatus(t, client, server.HealthServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before SetReady: got %v, want NOT_SERVING", got)
	}

	checker.SetReady(true)
	if got := srv.Refresh(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("refresh after SetReady: got %v, want SERVING", got)
	}
	for _, service := range []string{"", server.HealthServiceName} {
		if got := checkStatus(t, client, service); got != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("service %q: got %v, want SERVING", service, got)
		}
	}

	// a failing dependency check takes the service out of rotation
	natsUp.Store(false)
	srv.Refresh(ctx)
	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("with nats down: got %v, want NOT_SERVING", got)
	}
}
