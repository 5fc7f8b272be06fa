package aggregator

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/graphops/tap-agent/core"
)

func TestToWireReceiptRoundTrip(t *testing.T) {
	r := core.Receipt{
		AllocationID: core.Address{0x01},
		Nonce:        7,
		TimestampNs:  123,
		Value:        core.NewU128FromUint64(55),
		Signature:    []byte("sig"),
	}
	w := toWireReceipt(r)
	require.Equal(t, r.AllocationID.Hex(), w.AllocationID)
	require.Equal(t, r.Nonce, w.Nonce)
	require.Equal(t, r.TimestampNs, w.TimestampNs)
	require.Equal(t, "55", w.Value)
	require.Equal(t, r.Signature, w.Signature)
}

func TestToWireRAVNilIsNil(t *testing.T) {
	require.Nil(t, toWireRAV(nil))
}

func TestWireRAVRoundTrip(t *testing.T) {
	rav := &core.RAV{
		AllocationID:   core.Address{0x02},
		TimestampNs:    999,
		ValueAggregate: core.NewU128FromUint64(42),
		Signature:      []byte("ravsig"),
	}
	w := toWireRAV(rav)
	require.NotNil(t, w)

	back, err := fromWireRAV(w)
	require.NoError(t, err)
	require.Equal(t, rav.AllocationID, back.AllocationID)
	require.Equal(t, rav.TimestampNs, back.TimestampNs)
	require.Equal(t, "42", back.ValueAggregate.String())
	require.Equal(t, rav.Signature, back.Signature)
}

func TestFromWireRAVNilIsNil(t *testing.T) {
	back, err := fromWireRAV(nil)
	require.NoError(t, err)
	require.Nil(t, back)
}

func TestFromWireRAVRejectsBadDecimal(t *testing.T) {
	_, err := fromWireRAV(&wireRAV{ValueAggregate: "not-a-number"})
	require.Error(t, err)
}

func TestParseU128DecimalRejectsGarbage(t *testing.T) {
	_, err := parseU128Decimal("abc")
	require.Error(t, err)
}

func TestParseU128DecimalAccepts(t *testing.T) {
	v, err := parseU128Decimal("123456789")
	require.NoError(t, err)
	require.Equal(t, "123456789", v.String())
}

func TestJSONCodecMarshalUnmarshalRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := aggregateRequest{Receipts: []wireReceipt{{AllocationID: "0xabc", Value: "1"}}}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var out aggregateRequest
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, req, out)
	require.Equal(t, "json", c.Name())
}

func TestJSONCodecUnmarshalRejectsGarbage(t *testing.T) {
	c := jsonCodec{}
	var out aggregateRequest
	require.Error(t, c.Unmarshal([]byte("not json"), &out))
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	c := zstdCompressor{}
	require.Equal(t, "zstd", c.Name())

	var buf bytes.Buffer
	w, err := c.Compress(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello aggregator"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := c.Decompress(&buf)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello aggregator", string(out))
}

func TestSelectorForPicksByKind(t *testing.T) {
	legacy := &grpcClient{method: "legacy"}
	current := &grpcClient{method: "current"}
	sel := &Selector{Legacy: legacy, Current: current}

	require.Same(t, Client(legacy), sel.For(core.AllocationKindLegacy))
	require.Same(t, Client(current), sel.For(core.AllocationKindCurrent))
}

// echoAggregateHandler answers any unary RPC by decoding an
// aggregateRequest and returning an aggregateResponse with a fixed RAV
// (allocation 0x09, timestamp 777, value 88), whatever it was sent.
func echoAggregateHandler(_ interface{}, stream grpc.ServerStream) error {
	var req aggregateRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	resp := aggregateResponse{
		RAV: wireRAV{
			AllocationID:   core.Address{0x09}.Hex(),
			TimestampNs:    777,
			ValueAggregate: "88",
			Signature:      []byte("aggregated"),
		},
	}
	return stream.SendMsg(&resp)
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	return conn
}

func TestGRPCClientAggregateRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(echoAggregateHandler))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()

	client := &grpcClient{conn: conn, method: "/tap_aggregator.v1.Aggregator/Aggregate"}

	rav, err := client.Aggregate(context.Background(), nil, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(777), rav.TimestampNs)
	require.Equal(t, "88", rav.ValueAggregate.String())
}

func TestGRPCClientAggregatePropagatesTransportFailure(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		var req aggregateRequest
		_ = stream.RecvMsg(&req)
		return context.DeadlineExceeded
	}))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn := dialBufconn(t, lis)
	defer conn.Close()

	client := &grpcClient{conn: conn, method: "/tap_aggregator.v1.Aggregator/Aggregate"}

	_, err := client.Aggregate(context.Background(), nil, nil, 5*time.Second)
	require.Error(t, err)

	var failure *core.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, core.KindTransportError, failure.Kind)
}
