package status

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the agent. The empty name
// reports the same status.
const ServiceName = "circuitnotion.Agent"

// HealthConfig holds health service configuration
type HealthConfig struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// DefaultHealthConfig returns default health service configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		PollInterval: time.Second,
		Clock:        clock.New(),
		Logger:       zap.NewNop(),
	}
}

// Health mirrors the platform connection into a gRPC health server
type Health struct {
	config HealthConfig
	source interface{ Connected() bool }
	server *health.Server
}

// NewHealth creates a health service reporting NOT_SERVING until Run sees a
// connection
func NewHealth(source interface{ Connected() bool }, config HealthConfig) *Health {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	h := &Health{config: config, source: source, server: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register adds the health service to s
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Run polls the connection until ctx is cancelled, then marks the service
// as shut down
func (h *Health) Run(ctx context.Context) error {
	ticker := h.config.Clock.Ticker(h.config.PollInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_NOT_SERVING
	h.poll(&last)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-ticker.C:
			h.poll(&last)
		}
	}
}

func (h *Health) poll(last *healthpb.HealthCheckResponse_ServingStatus) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if h.source.Connected() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	if st == *last {
		return
	}
	*last = st
	h.set(st)
	h.config.Logger.Debug("Health status changed", zap.Stringer("status", st))
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
}
