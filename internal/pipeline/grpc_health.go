package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the gRPC service name reported alongside the overall "" status.
const healthService = "backstop.Ingest"

// grpcHealthServer exposes grpc.health.v1 for orchestrators that probe over gRPC.
type grpcHealthServer struct {
	ln     net.Listener
	server *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// newGRPCHealthServer binds listen and registers the health service as SERVING.
// Params: listen host:port; logger.
// Returns: server or bind error.
func newGRPCHealthServer(listen string, logger *slog.Logger) (*grpcHealthServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	return &grpcHealthServer{
		ln:     ln,
		server: server,
		health: healthServer,
		logger: logger,
	}, nil
}

// Addr returns the bound listener address.
func (s *grpcHealthServer) Addr() net.Addr {
	return s.ln.Addr()
}

// run serves until ctx is canceled, then flips to NOT_SERVING and stops gracefully.
func (s *grpcHealthServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()
	s.logger.Info("grpc health server started", slog.String("listen", s.ln.Addr().String()))

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.server.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil || err == grpc.ErrServerStopped {
			return nil
		}
		s.logger.Error("grpc health server stopped unexpectedly", slog.String("error", err.Error()))
		return err
	}
}
