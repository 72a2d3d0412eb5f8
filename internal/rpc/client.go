package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to a daemon's Unix domain socket. Calls default to the JSON
// codec.
func Dial(socketPath string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return conn, nil
}

// Invoke performs a unary call.
func Invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, in any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod, in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// Stream is the client half of a server-streaming method.
type Stream[Resp any] struct {
	cs grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server
// finishes.
func (s *Stream[Resp]) Recv() (*Resp, error) {
	m := new(Resp)
	if err := s.cs.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens a server-streaming call and sends its single request.
func Subscribe[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service string, desc grpc.StreamDesc, in any) (*Stream[Resp], error) {
	cs, err := cc.NewStream(ctx, &desc, FullMethod(service, desc.StreamName), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream[Resp]{cs: cs}, nil
}
