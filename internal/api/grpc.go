package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/fleetwatch/internal/guardrail"
)

// HealthService is the service name load balancers and health checkers query.
const HealthService = "fleetwatch.v1.Loop"

// Health reports SERVING while automated actions are allowed and
// NOT_SERVING while the kill switch is engaged. The process itself stays
// reachable under the empty service name.
type Health struct {
	srv  *health.Server
	grpc *grpc.Server
}

// NewHealth registers a health service that follows kill.
func NewHealth(kill *guardrail.KillSwitch) *Health {
	h := &Health{srv: health.NewServer(), grpc: grpc.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.set(kill.Status())
	kill.OnChange(h.set)
	healthpb.RegisterHealthServer(h.grpc, h.srv)
	return h
}

func (h *Health) set(st guardrail.KillSwitchStatus) {
	status := healthpb.HealthCheckResponse_SERVING
	if st.Engaged {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(HealthService, status)
}

// Server returns the underlying gRPC server.
func (h *Health) Server() *grpc.Server { return h.grpc }

// ServeOn serves on lis until Stop.
func (h *Health) ServeOn(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

// Serve listens on addr until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	errc := make(chan error, 1)
	go func() { errc <- h.grpc.Serve(lis) }()
	logger.Info("grpc health listening", "addr", lis.Addr().String(), "service", HealthService)

	select {
	case err := <-errc:
		return fmt.Errorf("api: grpc serve: %w", err)
	case <-ctx.Done():
		h.Stop()
		return nil
	}
}

// Stop marks every service NOT_SERVING and stops the server.
func (h *Health) Stop() {
	h.srv.Shutdown()
	h.grpc.GracefulStop()
}
