package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"staffportal.org/internal/obs"
)

// GRPCServer implements grpc.health.v1.Health on top of the readiness probe.
// The empty service name and serviceName are both recognised.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness     readinessChecker
	version       string
	watchInterval time.Duration
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		readiness:     r,
		version:       version,
		watchInterval: 5 * time.Second,
	}
}

// Register attaches the health service and reflection to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
	reflection.Register(srv)
}

// Check evaluates readiness on every call.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !knownService(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Watch streams the serving status, sending only when it changes.
func (s *GRPCServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	ctx := stream.Context()
	if !knownService(req.GetService()) {
		if err := stream.Send(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}); err != nil {
			return err
		}
		<-ctx.Done()
		return status.FromContextError(ctx.Err()).Err()
	}

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		if st := s.status(ctx); st != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
			last = st
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(true)
	return healthpb.HealthCheckResponse_SERVING
}

func knownService(name string) bool {
	return name == "" || name == serviceName
}
