package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// FullMethod joins a service and method name into a gRPC method path.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Unary describes a unary method served by an implementation of S.
func Unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := FullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// Sender is the server half of a server-streaming method.
type Sender[Resp any] struct {
	stream grpc.ServerStream
}

// Send writes one message to the client.
func (s *Sender[Resp]) Send(m *Resp) error { return s.stream.SendMsg(m) }

// Context returns the stream's context.
func (s *Sender[Resp]) Context() context.Context { return s.stream.Context() }

// ServerStream describes a server-streaming method served by an
// implementation of S.
func ServerStream[S, Req, Resp any](method string, fn func(S, *Req, *Sender[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, &Sender[Resp]{stream: stream})
		},
	}
}
