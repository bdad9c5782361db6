package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCProber checks the backend's standard gRPC health service. Used when
// the backend exposes one; the monitor treats a nil prober as "no probe".
type GRPCProber struct {
	conn    *grpc.ClientConn
	client  grpc_health_v1.HealthClient
	service string
}

// NewGRPCProber dials the backend health endpoint. TLS is inferred from the
// scheme or a :443 suffix.
func NewGRPCProber(ctx context.Context, endpoint, service string) (*GRPCProber, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial health endpoint %s: %w", target, err)
	}

	return &GRPCProber{
		conn:    conn,
		client:  grpc_health_v1.NewHealthClient(conn),
		service: service,
	}, nil
}

// Probe implements BackendProber.
func (p *GRPCProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := p.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("backend not serving: %s", resp.Status)
	}
	return nil
}

// Close releases the underlying connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}
