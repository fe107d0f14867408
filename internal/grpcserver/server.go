package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health-check service name reported for the points economy.
	ServiceName = "points.v1.Economy"

	defaultProbeInterval = 15 * time.Second
)

// ErrInvalidProbe indicates a missing readiness probe.
var ErrInvalidProbe = errors.New("invalid readiness probe")

// Probe reports whether the economy's backing store is reachable.
type Probe func(ctx context.Context) error

// HealthServer exposes the gRPC health protocol backed by a readiness probe.
type HealthServer struct {
	health   *health.Server
	probe    Probe
	interval time.Duration
	logger   *zap.Logger
}

// Option customizes a HealthServer.
type Option func(*HealthServer)

// WithProbeInterval sets how often the probe runs.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *HealthServer) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// WithLogger sets the logger used for probe transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(server *HealthServer) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// NewHealthServer constructs a health server. Status starts at NOT_SERVING until the first probe.
func NewHealthServer(probe Probe, options ...Option) (*HealthServer, error) {
	if probe == nil {
		return nil, ErrInvalidProbe
	}
	server := &HealthServer{
		health:   health.NewServer(),
		probe:    probe,
		interval: defaultProbeInterval,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(server)
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Register attaches the health service to a gRPC server.
func (server *HealthServer) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, server.health)
}

// Check runs the probe once and publishes the result.
func (server *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.probe(ctx); err != nil {
		server.logger.Warn("readiness probe failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.setStatus(status)
	return status
}

// Watch probes on an interval until ctx is cancelled, then marks the service NOT_SERVING.
func (server *HealthServer) Watch(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	server.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}

func (server *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}

// Serve runs a gRPC server carrying the health service on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, healthServer *HealthServer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go healthServer.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("grpc health listening", zap.String("addr", addr))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
