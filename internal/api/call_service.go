package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/rpc"
)

// CallServer is the CallService contract.
type CallServer interface {
	Start(ctx context.Context, in *StartCallRequest) (*CallResponse, error)
	Cancel(ctx context.Context, in *emptypb.Empty) (*CallResponse, error)
	Accept(ctx context.Context, in *emptypb.Empty) (*CallResponse, error)
	Decline(ctx context.Context, in *emptypb.Empty) (*CallResponse, error)
	Hangup(ctx context.Context, in *emptypb.Empty) (*CallResponse, error)
	State(ctx context.Context, in *emptypb.Empty) (*CallResponse, error)
}

// CallServiceDesc describes CallService for grpc.Server.RegisterService.
var CallServiceDesc = grpc.ServiceDesc{
	ServiceName: CallServiceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(CallServiceName, "Start", CallServer.Start),
		rpc.Unary(CallServiceName, "Cancel", CallServer.Cancel),
		rpc.Unary(CallServiceName, "Accept", CallServer.Accept),
		rpc.Unary(CallServiceName, "Decline", CallServer.Decline),
		rpc.Unary(CallServiceName, "Hangup", CallServer.Hangup),
		rpc.Unary(CallServiceName, "State", CallServer.State),
	},
}

// CallService implements CallServer over the call state machine.
type CallService struct {
	machine *call.Machine
	convs   *conversation.Store
	channel Channel
}

// NewCallService creates a new call service.
func NewCallService(m *call.Machine, convs *conversation.Store, ch Channel) *CallService {
	return &CallService{machine: m, convs: convs, channel: ch}
}

func (s *CallService) Start(ctx context.Context, in *StartCallRequest) (*CallResponse, error) {
	if in.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	peer := in.PeerID
	if peer == "" {
		c, ok := s.convs.Conversation(in.ConversationID)
		if !ok {
			return nil, toStatus(conversation.ErrNotFound)
		}
		peer = c.Peer(s.channel.SelfID()).UserID
	}
	sess, err := s.machine.Start(ctx, in.ConversationID, peer)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CallResponse{Session: sess}, nil
}

func (s *CallService) Cancel(ctx context.Context, _ *emptypb.Empty) (*CallResponse, error) {
	if err := s.machine.Cancel(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.State(ctx, nil)
}

func (s *CallService) Accept(ctx context.Context, _ *emptypb.Empty) (*CallResponse, error) {
	sess, err := s.machine.Accept(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CallResponse{Session: sess}, nil
}

func (s *CallService) Decline(ctx context.Context, _ *emptypb.Empty) (*CallResponse, error) {
	if err := s.machine.Decline(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.State(ctx, nil)
}

func (s *CallService) Hangup(ctx context.Context, _ *emptypb.Empty) (*CallResponse, error) {
	if err := s.machine.Hangup(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.State(ctx, nil)
}

func (s *CallService) State(_ context.Context, _ *emptypb.Empty) (*CallResponse, error) {
	return &CallResponse{Session: s.machine.State()}, nil
}
