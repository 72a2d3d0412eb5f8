package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodecPlainStruct(t *testing.T) {
	type msg struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	var c Codec
	b, err := c.Marshal(&msg{Name: "a", Count: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","count":2}`, string(b))

	var out msg
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, msg{Name: "a", Count: 2}, out)
	assert.Equal(t, "json", c.Name())
}

func TestCodecProtoMessage(t *testing.T) {
	var c Codec
	b, err := c.Marshal(wrapperspb.String("C123"))
	require.NoError(t, err)
	assert.JSONEq(t, `"C123"`, string(b))

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(b, out))
	assert.Equal(t, "C123", out.GetValue())
}

type echoServer interface {
	Echo(ctx context.Context, in *echoReq) (*echoReq, error)
	Count(in *emptypb.Empty, out *Sender[echoReq]) error
}

type echoReq struct {
	Text string `json:"text"`
}

type echoImpl struct{}

func (echoImpl) Echo(_ context.Context, in *echoReq) (*echoReq, error) {
	if in.Text == "" {
		return nil, status.Error(codes.InvalidArgument, "empty")
	}
	return &echoReq{Text: "echo " + in.Text}, nil
}

func (echoImpl) Count(_ *emptypb.Empty, out *Sender[echoReq]) error {
	for _, s := range []string{"one", "two"} {
		if err := out.Send(&echoReq{Text: s}); err != nil {
			return err
		}
	}
	return nil
}

const echoService = "convo.test.Echo"

var countStream = ServerStream("Count", echoServer.Count)

var echoDesc = grpc.ServiceDesc{
	ServiceName: echoService,
	HandlerType: (*echoServer)(nil),
	Methods:     []grpc.MethodDesc{Unary(echoService, "Echo", echoServer.Echo)},
	Streams:     []grpc.StreamDesc{countStream},
}

func TestUnaryAndStreamOverUnixSocket(t *testing.T) {
	// Short path: Unix socket paths are capped near 104 bytes on macOS.
	dir, err := os.MkdirTemp("/tmp", "convo-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "rpc.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := grpc.NewServer()
	srv.RegisterService(&echoDesc, echoImpl{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := Invoke[echoReq](ctx, conn, FullMethod(echoService, "Echo"), &echoReq{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out.Text)

	_, err = Invoke[echoReq](ctx, conn, FullMethod(echoService, "Echo"), &echoReq{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	stream, err := Subscribe[echoReq](ctx, conn, echoService, countStream, &emptypb.Empty{})
	require.NoError(t, err)
	var got []string
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"one", "two"}, got)
}
