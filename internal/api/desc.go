// Package api exposes the daemon over gRPC. Services are declared by hand
// and exchange google.protobuf.Struct values, so no generated code is needed.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full service names.
const (
	SessionServiceName = "chatsync.v1.SessionService"
	ChatServiceName    = "chatsync.v1.ChatService"
	MessageServiceName = "chatsync.v1.MessageService"
	SyncServiceName    = "chatsync.v1.SyncService"
)

// UnaryHandler serves one unary method.
type UnaryHandler func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// StreamHandler serves one server-streaming method.
type StreamHandler func(in *structpb.Struct, stream grpc.ServerStream) error

// Service is a set of methods registered under one name.
type Service interface {
	ServiceName() string
	Unary() map[string]UnaryHandler
	Streams() map[string]StreamHandler
}

// Describe builds the grpc.ServiceDesc for svc.
func Describe(svc Service) *grpc.ServiceDesc {
	name := svc.ServiceName()
	desc := &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*Service)(nil),
		Metadata:    name,
	}
	for method, h := range svc.Unary() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: method,
			Handler:    unaryHandler(name, method, h),
		})
	}
	for method, h := range svc.Streams() {
		desc.Streams = append(desc.Streams, grpc.StreamDesc{
			StreamName:    method,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return h(in, stream)
			},
		})
	}
	return desc
}

// Register adds every service to srv.
func Register(srv *grpc.Server, services ...Service) {
	for _, svc := range services {
		srv.RegisterService(Describe(svc), svc)
	}
}

func unaryHandler(service, method string, h UnaryHandler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: nil, FullMethod: "/" + service + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, req.(*structpb.Struct))
		})
	}
}
