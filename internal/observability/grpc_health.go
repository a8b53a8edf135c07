package observability

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCHealth serves grpc.health.v1.Health and keeps its status in step with
// the readiness checks
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   []NamedCheck
	interval time.Duration
	logger   zerolog.Logger
}

// NewGRPCHealth creates a health server that re-runs checks every interval
func NewGRPCHealth(logger zerolog.Logger, interval time.Duration, checks ...NamedCheck) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealth{
		server:   server,
		health:   hs,
		checks:   checks,
		interval: interval,
		logger:   logger.With().Str("component", "grpc_health").Logger(),
	}
}

// Serve accepts connections on lis and probes dependencies until ctx is done.
// It blocks until the listener fails or Stop is called.
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	go g.probe(ctx)
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return g.server.Serve(lis)
}

// Refresh runs the checks once and publishes the result
func (g *GRPCHealth) Refresh(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	deps, ok := RunChecks(checkCtx, g.checks)
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.logger.Warn().Interface("dependencies", deps).Msg("Dependencies unhealthy")
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
	return ok
}

func (g *GRPCHealth) probe(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Stop marks the service as not serving and drains in-flight RPCs
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
