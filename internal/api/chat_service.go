package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/rpc"
	"github.com/matheus3301/convo/internal/store"
)

// Searcher runs full-text queries over cached messages.
type Searcher interface {
	SearchMessages(query, conversationID string, limit int) ([]store.SearchResult, error)
}

// ChatServer is the ChatService contract.
type ChatServer interface {
	ListConversations(ctx context.Context, in *emptypb.Empty) (*ConversationsResponse, error)
	RefreshConversations(ctx context.Context, in *emptypb.Empty) (*ConversationsResponse, error)
	OpenConversation(ctx context.Context, in *wrapperspb.StringValue) (*MessagesResponse, error)
	CloseConversation(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	ListMessages(ctx context.Context, in *emptypb.Empty) (*MessagesResponse, error)
	SendMessage(ctx context.Context, in *SendRequest) (*model.Message, error)
	Pin(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error)
	Archive(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error)
	Delete(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error)
	Undo(ctx context.Context, in *wrapperspb.StringValue) (*model.Conversation, error)
	SearchMessages(ctx context.Context, in *SearchRequest) (*SearchResponse, error)
	UpdateProposal(ctx context.Context, in *ProposalRequest) (*model.Message, error)
	SendTyping(ctx context.Context, in *TypingRequest) (*emptypb.Empty, error)
	WatchEvents(in *WatchRequest, stream *rpc.Sender[WatchEvent]) error
}

// WatchEventsStream describes the server stream of ChatService.WatchEvents.
var WatchEventsStream = rpc.ServerStream("WatchEvents", ChatServer.WatchEvents)

// ChatServiceDesc describes ChatService for grpc.Server.RegisterService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ChatServiceName, "ListConversations", ChatServer.ListConversations),
		rpc.Unary(ChatServiceName, "RefreshConversations", ChatServer.RefreshConversations),
		rpc.Unary(ChatServiceName, "OpenConversation", ChatServer.OpenConversation),
		rpc.Unary(ChatServiceName, "CloseConversation", ChatServer.CloseConversation),
		rpc.Unary(ChatServiceName, "ListMessages", ChatServer.ListMessages),
		rpc.Unary(ChatServiceName, "SendMessage", ChatServer.SendMessage),
		rpc.Unary(ChatServiceName, "Pin", ChatServer.Pin),
		rpc.Unary(ChatServiceName, "Archive", ChatServer.Archive),
		rpc.Unary(ChatServiceName, "Delete", ChatServer.Delete),
		rpc.Unary(ChatServiceName, "Undo", ChatServer.Undo),
		rpc.Unary(ChatServiceName, "SearchMessages", ChatServer.SearchMessages),
		rpc.Unary(ChatServiceName, "UpdateProposal", ChatServer.UpdateProposal),
		rpc.Unary(ChatServiceName, "SendTyping", ChatServer.SendTyping),
	},
	Streams: []grpc.StreamDesc{WatchEventsStream},
}

// ChatService implements ChatServer over the conversation store.
type ChatService struct {
	convs   *conversation.Store
	search  Searcher
	channel Channel
	bus     *bus.Bus
	logger  *zap.Logger
	session string
}

// NewChatService creates a new chat service. search may be nil when no
// cache is configured.
func NewChatService(convs *conversation.Store, search Searcher, ch Channel, b *bus.Bus, logger *zap.Logger, sessionName string) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{convs: convs, search: search, channel: ch, bus: b, logger: logger, session: sessionName}
}

func (s *ChatService) ListConversations(_ context.Context, _ *emptypb.Empty) (*ConversationsResponse, error) {
	return &ConversationsResponse{Conversations: nonNil(s.convs.Conversations())}, nil
}

func (s *ChatService) RefreshConversations(ctx context.Context, _ *emptypb.Empty) (*ConversationsResponse, error) {
	convs, err := s.convs.LoadConversations(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConversationsResponse{Conversations: nonNil(convs)}, nil
}

func (s *ChatService) OpenConversation(ctx context.Context, in *wrapperspb.StringValue) (*MessagesResponse, error) {
	id := in.GetValue()
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	msgs, err := s.convs.Open(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessagesResponse{ConversationID: id, Messages: nonNil(msgs)}, nil
}

func (s *ChatService) CloseConversation(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.convs.Close()
	return &emptypb.Empty{}, nil
}

func (s *ChatService) ListMessages(_ context.Context, _ *emptypb.Empty) (*MessagesResponse, error) {
	return &MessagesResponse{ConversationID: s.convs.Active(), Messages: nonNil(s.convs.Messages())}, nil
}

func (s *ChatService) SendMessage(ctx context.Context, in *SendRequest) (*model.Message, error) {
	if in.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	m, err := s.convs.SendMessage(ctx, conversation.SendRequest{
		ConversationID: in.ConversationID,
		Text:           in.Text,
		ImagePath:      in.ImagePath,
		ImageName:      in.ImageName,
		ImageData:      in.ImageData,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &m, nil
}

func (s *ChatService) Pin(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error) {
	return s.mutate(ctx, in, s.convs.Pin)
}

func (s *ChatService) Archive(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error) {
	return s.mutate(ctx, in, s.convs.Archive)
}

func (s *ChatService) Delete(ctx context.Context, in *wrapperspb.StringValue) (*UndoResponse, error) {
	return s.mutate(ctx, in, s.convs.Delete)
}

func (s *ChatService) mutate(ctx context.Context, in *wrapperspb.StringValue, fn func(context.Context, string) (conversation.UndoToken, error)) (*UndoResponse, error) {
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	tok, err := fn(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return &UndoResponse{Token: string(tok)}, nil
}

func (s *ChatService) Undo(ctx context.Context, in *wrapperspb.StringValue) (*model.Conversation, error) {
	if in.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "undo token is required")
	}
	c, err := s.convs.Undo(ctx, conversation.UndoToken(in.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return &c, nil
}

func (s *ChatService) SearchMessages(_ context.Context, in *SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	if s.search == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no local cache configured")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	results, err := s.search.SearchMessages(in.Query, in.ConversationID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "search: %v", err)
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return &SearchResponse{Results: results}, nil
}

func (s *ChatService) UpdateProposal(_ context.Context, in *ProposalRequest) (*model.Message, error) {
	m, err := s.convs.UpdateProposalStatus(in.MessageID, in.Status)
	if err != nil {
		return nil, toStatus(err)
	}
	return &m, nil
}

func (s *ChatService) SendTyping(ctx context.Context, in *TypingRequest) (*emptypb.Empty, error) {
	c, ok := s.convs.Conversation(in.ConversationID)
	if !ok {
		return nil, toStatus(conversation.ErrNotFound)
	}
	peer := c.Peer(s.channel.SelfID())
	if err := s.channel.SendTyping(ctx, c.ID, peer.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *ChatService) WatchEvents(in *WatchRequest, stream *rpc.Sender[WatchEvent]) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	watchID := uuid.NewString()
	s.logger.Debug("watch started",
		zap.String("session", s.session),
		zap.String("watch_id", watchID),
		zap.Strings("prefixes", in.Prefixes),
	)
	defer s.logger.Debug("watch ended", zap.String("watch_id", watchID))

	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, in.Prefixes) {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("encode watch payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&WatchEvent{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: payload}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func matches(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
