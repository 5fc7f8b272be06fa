package aggregator

import (
	"context"
	"fmt"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/graphops/tap-agent/core"
)

// grpcClient implements Client against one aggregator endpoint, speaking
// either protocol version over the same transport (the method path
// differs; the wire shape is compatible JSON via jsonCodec).
type grpcClient struct {
	conn    *grpc.ClientConn
	method  string
	useZstd bool
}

// dialOptions returns the connection-level defaults every aggregator client
// shares: client-side Prometheus instrumentation and a retry interceptor
// that retries Unavailable errors up to twice with a linear 50ms backoff
// (go.mod: grpc-ecosystem/go-grpc-middleware, go-grpc-prometheus).
func dialOptions(useZstd bool) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(
			grpc_prometheus.UnaryClientInterceptor,
			grpc_retry.UnaryClientInterceptor(
				grpc_retry.WithMax(2),
				grpc_retry.WithBackoff(grpc_retry.BackoffLinear(50*time.Millisecond)),
				grpc_retry.WithCodes(codes.Unavailable),
			),
		),
	}
	if useZstd {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(zstdName)))
	}
	return opts
}

// DialLegacy connects to a legacy-protocol aggregator endpoint.
func DialLegacy(target string, useZstd bool) (Client, error) {
	conn, err := grpc.Dial(target, dialOptions(useZstd)...)
	if err != nil {
		return nil, core.NewFailure(core.KindTransportError, fmt.Errorf("aggregator: dial legacy %s: %w", target, err))
	}
	return &grpcClient{conn: conn, method: "/tap_aggregator.v1.Aggregator/Aggregate", useZstd: useZstd}, nil
}

// DialCurrent connects to a current-protocol aggregator endpoint.
func DialCurrent(target string, useZstd bool) (Client, error) {
	conn, err := grpc.Dial(target, dialOptions(useZstd)...)
	if err != nil {
		return nil, core.NewFailure(core.KindTransportError, fmt.Errorf("aggregator: dial current %s: %w", target, err))
	}
	return &grpcClient{conn: conn, method: "/tap_aggregator.v2.Aggregator/Aggregate", useZstd: useZstd}, nil
}

// Close releases the underlying connection.
func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func (c *grpcClient) Aggregate(ctx context.Context, previous *core.RAV, receipts []core.StoredReceipt, timeout time.Duration) (*core.RAV, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := aggregateRequest{Previous: toWireRAV(previous)}
	for _, r := range receipts {
		req.Receipts = append(req.Receipts, toWireReceipt(r.Receipt))
	}

	var resp aggregateResponse
	if err := c.conn.Invoke(ctx, c.method, &req, &resp); err != nil {
		return nil, core.NewFailure(core.KindTransportError, fmt.Errorf("aggregator: aggregate rpc: %w", err))
	}

	rav, err := fromWireRAV(&resp.RAV)
	if err != nil {
		return nil, core.NewFailure(core.KindTransportError, fmt.Errorf("aggregator: decode response: %w", err))
	}
	return rav, nil
}
