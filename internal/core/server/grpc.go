// Package server runs the gRPC and HTTP listeners.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/listener"
)

// HealthSource reports listener health. *listener.Pool implements it.
type HealthSource interface {
	Health() []listener.Health
}

// GRPCServer manages gRPC server lifecycle.
type GRPCServer struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	source   HealthSource
	every    time.Duration
	logger   zerolog.Logger
	listener net.Listener
	known    map[string]bool
}

// NewGRPCServer registers event ingest behind the signature interceptor and
// a health service that mirrors listener state.
func NewGRPCServer(addr string, ingest EventIngestServer, verifier *auth.Verifier, source HealthSource, logger zerolog.Logger) (*GRPCServer, error) {
	if ingest == nil {
		return nil, fmt.Errorf("ingest cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("health source cannot be nil")
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(verifier.UnaryInterceptor(PlatformOf)))
	server.RegisterService(&IngestServiceDesc, ingest)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(IngestServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &GRPCServer{
		addr:   addr,
		server: server,
		health: hs,
		source: source,
		every:  5 * time.Second,
		logger: logger.With().Str("component", "grpc").Logger(),
		known:  map[string]bool{},
	}, nil
}

// Start binds the listener and serves until Shutdown. Listener health is
// refreshed until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.SyncHealth()
	go func() {
		t := time.NewTicker(s.every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.SyncHealth()
			}
		}
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc listening")
	return s.server.Serve(lis)
}

// SyncHealth publishes one health entry per listener, named
// "listener/<key>". Suspended listeners report NOT_SERVING; listeners that
// went away report SERVICE_UNKNOWN.
func (s *GRPCServer) SyncHealth() {
	seen := map[string]bool{}
	for _, h := range s.source.Health() {
		name := "listener/" + h.Key.String()
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if h.State != listener.StateRunning {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, st)
		seen[name] = true
	}
	for name := range s.known {
		if !seen[name] {
			s.health.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
}

// Shutdown gracefully stops the server, forcing it when ctx ends or after
// 30 seconds.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}
