package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// AgentProbeConfig holds configuration for the agent health probe.
type AgentProbeConfig struct {
	Address          string
	Service          string
	CheckTimeout     time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultAgentProbeConfig returns default probe configuration.
func DefaultAgentProbeConfig() AgentProbeConfig {
	return AgentProbeConfig{
		Address:          "localhost:50051",
		CheckTimeout:     3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// AgentProbe checks the agent service over the standard gRPC health protocol.
// It feeds the connectivity badge only and never blocks other operations.
type AgentProbe struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	cfg    AgentProbeConfig
	logger *slog.Logger
}

// NewAgentProbe creates a probe for the agent service at cfg.Address.
// No network I/O happens until the first check.
func NewAgentProbe(cfg AgentProbeConfig, logger *slog.Logger) (*AgentProbe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultAgentProbeConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaults.CheckTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent probe for %s: %w", cfg.Address, err)
	}

	return &AgentProbe{
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// WaitForReady blocks until the connection is ready or ctx ends.
func (p *AgentProbe) WaitForReady(ctx context.Context) error {
	for {
		state := p.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			p.conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !p.conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Check reports whether the agent service is SERVING.
func (p *AgentProbe) Check(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	if err != nil {
		return false, fmt.Errorf("agent health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection.
func (p *AgentProbe) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close agent probe connection", "error", err)
		}
	}
}
