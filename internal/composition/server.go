package composition

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/roach88/bluelines/internal/reconcile"
)

// Service is the server side of the CompositionService.
type Service interface {
	Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Pull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterService registers srv on s.
func RegisterService(s grpc.ServiceRegistrar, srv Service) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "Pull", Handler: pullHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPush}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Push(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Pull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPull}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Pull(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// MemoryService serves a Memory over gRPC.
type MemoryService struct {
	Mem *Memory
}

// Push implements Service.
func (s *MemoryService) Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := pushPayload(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ack, err := s.Mem.Push(ctx, p)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"revision": structpb.NewStringValue(ack.Revision),
	}}, nil
}

// Pull implements Service.
func (s *MemoryService) Pull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pair, err := structPair(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	snap, err := s.Mem.Pull(ctx, pair)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := snapshotStruct(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, reconcile.ErrRejected):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
