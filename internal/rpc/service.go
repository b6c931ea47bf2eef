// Package rpc carries the data service over gRPC. Messages are
// google.protobuf.Struct values, so no generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cherrychat.v1.DataService"

const (
	methodQuery     = "/" + ServiceName + "/Query"
	methodInsert    = "/" + ServiceName + "/Insert"
	methodUpdate    = "/" + ServiceName + "/Update"
	methodBroadcast = "/" + ServiceName + "/Broadcast"
	methodSubscribe = "/" + ServiceName + "/Subscribe"
)

// dataServer is the handler set registered with grpc.
type dataServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

func unary(name string, call func(dataServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(dataServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(dataServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var subscribeStream = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(dataServer).Subscribe(in, stream)
	},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*dataServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Query", dataServer.Query),
		unary("Insert", dataServer.Insert),
		unary("Update", dataServer.Update),
		unary("Broadcast", dataServer.Broadcast),
	},
	Streams:  []grpc.StreamDesc{subscribeStream},
	Metadata: "cherrychat/v1/data.proto",
}
