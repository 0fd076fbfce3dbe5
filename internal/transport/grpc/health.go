package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const Service = "exchange.v1.Exchange"

// Server exposes the standard gRPC health service. Readiness follows the
// probe, which is polled every interval.
type Server struct {
	log      *slog.Logger
	gs       *grpc.Server
	health   *health.Server
	probe    func(ctx context.Context) error
	interval time.Duration
}

func NewServer(log *slog.Logger, probe func(ctx context.Context) error, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{log: log, gs: gs, health: hs, probe: probe, interval: interval}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.gs.GracefulStop()
	}()
	s.log.Info("grpc listening", "addr", addr)
	return s.gs.Serve(lis)
}

func (s *Server) watch(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.probe(probeCtx)
		cancel()
		if err != nil {
			s.log.Warn("readiness probe failed", "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(Service, status)
	s.health.SetServingStatus("", status)
}
