package server

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var grpcPort = flag.Int("grpc.port", 5122, "port for grpc health server")

// ServiceName is the health service reported next to the overall status.
const ServiceName = "feedperf.Run"

// GRPCServer exposes the standard gRPC health service. A node is SERVING
// while its run is collecting and NOT_SERVING before and after.
type GRPCServer struct {
	address string
	health  *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	logger   logging.Logger
}

func NewGRPCServer(global *system.Node) *GRPCServer {
	return newGRPCServer(global, ":"+strconv.Itoa(*grpcPort))
}

func newGRPCServer(global *system.Node, address string) *GRPCServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		address: address,
		health:  hs,
		logger:  global.Logger.With("component", "grpc"),
	}
}

func (s *GRPCServer) Name() string { return "grpc" }

// SetServing flips both the overall and the run health status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)

	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("gRPC server listening at %v", listener.Addr())
	if err := srv.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve gRPC server: %w", err)
	}

	return nil
}

// Addr is the bound listener address, nil before Start.
func (s *GRPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *GRPCServer) Stop() error {
	s.health.Shutdown()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
	return nil
}
