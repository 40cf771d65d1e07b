package composition

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
)

// Full method names of the CompositionService.
const (
	ServiceName = "composition.v1.CompositionService"
	MethodPush  = "/" + ServiceName + "/Push"
	MethodPull  = "/" + ServiceName + "/Pull"
)

// IdempotencyHeader carries the payload idempotency key on push calls.
const IdempotencyHeader = "x-idempotency-key"

// GRPCClient is a gRPC client for the external composition system.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for addr. Extra dial options are appended
// after the defaults (insecure transport, metadata forwarding).
func NewGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Push sends a payload and returns the revision assigned by the external
// system.
func (c *GRPCClient) Push(ctx context.Context, p reconcile.Payload) (reconcile.PushResult, error) {
	req, err := pushRequest(p)
	if err != nil {
		return reconcile.PushResult{}, fmt.Errorf("%w: %v", reconcile.ErrRejected, err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, IdempotencyHeader, p.IdempotencyKey)

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodPush, req, resp); err != nil {
		return reconcile.PushResult{}, translate("push", err)
	}
	rev := resp.GetFields()["revision"].GetStringValue()
	if rev == "" {
		return reconcile.PushResult{}, fmt.Errorf("%w: push response has no revision", reconcile.ErrRejected)
	}
	return reconcile.PushResult{Revision: rev}, nil
}

// Pull fetches the external snapshot of pair.
func (c *GRPCClient) Pull(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodPull, pairStruct(pair), resp); err != nil {
		return nil, translate("pull", err)
	}
	fields, err := structToFields(resp.GetFields()["fields"].GetStructValue())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrRejected, err)
	}
	return &model.ExternalSnapshot{
		Pair:     pair,
		Revision: resp.GetFields()["revision"].GetStringValue(),
		Fields:   fields,
	}, nil
}

// translate maps gRPC status codes onto the errors the coordinator
// classifies.
func translate(op string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %v", op, context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("%s: %w: %v", op, context.Canceled, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound:
		return fmt.Errorf("%s: %w: %s", op, reconcile.ErrRejected, status.Convert(err).Message())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// forwardMetadata propagates incoming request metadata to outgoing calls so
// caller credentials survive service-to-service hops.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

var _ reconcile.Client = (*GRPCClient)(nil)
