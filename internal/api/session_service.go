package api

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/presence"
	"github.com/matheus3301/convo/internal/rpc"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/typing"
)

// Channel is the part of the Message Channel the services read or drive.
type Channel interface {
	State() status.State
	SelfID() string
	Queued() int
	SendTyping(ctx context.Context, conversationID, receiverID string) error
}

// Runtime swaps the session credentials of a running daemon.
type Runtime interface {
	Login(ctx context.Context, token string) error
	Logout(ctx context.Context) error
}

// SessionServer is the SessionService contract.
type SessionServer interface {
	GetStatus(ctx context.Context, in *emptypb.Empty) (*StatusResponse, error)
	Login(ctx context.Context, in *LoginRequest) (*StatusResponse, error)
	Logout(ctx context.Context, in *emptypb.Empty) (*StatusResponse, error)
	GetPresence(ctx context.Context, in *wrapperspb.StringValue) (*PresenceResponse, error)
	ListOnline(ctx context.Context, in *emptypb.Empty) (*PresenceResponse, error)
	GetTyping(ctx context.Context, in *emptypb.Empty) (*TypingResponse, error)
}

// SessionServiceDesc describes SessionService for grpc.Server.RegisterService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		rpc.Unary(SessionServiceName, "Login", SessionServer.Login),
		rpc.Unary(SessionServiceName, "Logout", SessionServer.Logout),
		rpc.Unary(SessionServiceName, "GetPresence", SessionServer.GetPresence),
		rpc.Unary(SessionServiceName, "ListOnline", SessionServer.ListOnline),
		rpc.Unary(SessionServiceName, "GetTyping", SessionServer.GetTyping),
	},
}

// SessionService implements SessionServer.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	channel     Channel
	runtime     Runtime
	presence    *presence.Tracker
	typing      *typing.Coordinator
	convs       *conversation.Store
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, machine *status.Machine, ch Channel, rt Runtime, pt *presence.Tracker, tc *typing.Coordinator, convs *conversation.Store) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		channel:     ch,
		runtime:     rt,
		presence:    pt,
		typing:      tc,
		convs:       convs,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	current := s.machine.Current()
	resp := &StatusResponse{
		Session:   s.sessionName,
		State:     current,
		Since:     s.machine.Since(),
		Connected: current == status.Connected,
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
	}
	if s.channel != nil {
		resp.UserID = s.channel.SelfID()
		resp.Queued = s.channel.Queued()
	}
	if s.convs != nil {
		resp.Conversations = len(s.convs.Conversations())
	}
	return resp, nil
}

func (s *SessionService) Login(ctx context.Context, in *LoginRequest) (*StatusResponse, error) {
	if strings.TrimSpace(in.Token) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	if s.runtime == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "login not supported")
	}
	if err := s.runtime.Login(ctx, strings.TrimSpace(in.Token)); err != nil {
		return nil, toStatus(err)
	}
	return s.GetStatus(ctx, nil)
}

func (s *SessionService) Logout(ctx context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	if s.runtime == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "logout not supported")
	}
	if err := s.runtime.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.GetStatus(ctx, nil)
}

func (s *SessionService) GetPresence(_ context.Context, in *wrapperspb.StringValue) (*PresenceResponse, error) {
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user id is required")
	}
	return &PresenceResponse{Records: []presence.Record{s.presence.Status(in.GetValue())}}, nil
}

func (s *SessionService) ListOnline(_ context.Context, _ *emptypb.Empty) (*PresenceResponse, error) {
	resp := &PresenceResponse{Records: []presence.Record{}}
	for _, id := range s.presence.Online() {
		resp.Records = append(resp.Records, s.presence.Status(id))
	}
	return resp, nil
}

func (s *SessionService) GetTyping(_ context.Context, _ *emptypb.Empty) (*TypingResponse, error) {
	ids := s.typing.Typists()
	names := make(map[string]string)
	if s.convs != nil {
		self := ""
		if s.channel != nil {
			self = s.channel.SelfID()
		}
		for _, c := range s.convs.Conversations() {
			p := c.Peer(self)
			if p.DisplayName != "" {
				names[p.UserID] = p.DisplayName
			}
		}
	}
	if ids == nil {
		ids = []string{}
	}
	return &TypingResponse{UserIDs: ids, Summary: typing.Summary(ids, names)}, nil
}
