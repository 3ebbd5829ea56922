package grpc_control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health entry of the cache; "" reports the whole server.
	ServiceName = "pool_observer.PoolCache"

	DefaultGrpcPort = 50051
	pingTimeout     = 3 * time.Second
)

// -----------------------------------------------------------------------------

// ControlService serves the standard grpc.health.v1 protocol. Its status follows
// the storage backend, refreshed by Check.
type ControlService struct {
	Config *models.MConfig
	Store  interfaces.IPoolStore
	Logger *logger.Logger

	health *health.Server
	server *grpc.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewControlService creates a new instance of ControlService
func NewControlService(cfg *models.MConfig, store interfaces.IPoolStore, log *logger.Logger) *ControlService {
	s := &ControlService{
		Config: cfg,
		Store:  store,
		Logger: log,
		health: health.NewServer(),
		server: grpc.NewServer(),
		last:   healthpb.HealthCheckResponse_UNKNOWN,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// -----------------------------------------------------------------------------

// Check pings storage and publishes the result. Transitions are logged.
func (s *ControlService) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.Store.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.Logger.Warning("Storage ping failed: %v", err)
	}
	s.setStatus(status)
	return status
}

func (s *ControlService) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := s.last != status
	s.last = status
	s.mu.Unlock()

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	if changed {
		s.Logger.Info("Health status is now %s", status)
	}
}

// -----------------------------------------------------------------------------

// Serve runs the gRPC server on lis until Stop.
func (s *ControlService) Serve(lis net.Listener) error {
	s.Check(context.Background())
	s.Logger.Info("Starting gRPC health server on %s", lis.Addr())
	return s.server.Serve(lis)
}

// -----------------------------------------------------------------------------

func (s *ControlService) Start() error {
	port := s.Config.GrpcPort
	if port == 0 {
		port = DefaultGrpcPort // Default fallback
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.Config.GrpcHost, port))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	return s.Serve(lis)
}

// -----------------------------------------------------------------------------

func (s *ControlService) Stop() error {
	s.health.Shutdown()
	s.server.GracefulStop()
	return nil
}
