package grpcpeer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The replication service carries the transport's JSON envelope in a
// BytesValue, so no generated code is needed:
//
//	service Replication {
//	  rpc Replicate(google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	}
const (
	serviceName     = "statesync.v1.Replication"
	replicateMethod = "/" + serviceName + "/Replicate"
)

type replicationServer interface {
	Replicate(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Replicate", Handler: replicateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "statesync/v1/replication.proto",
}

func replicateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicationServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replicateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicationServer).Replicate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
