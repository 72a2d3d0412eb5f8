package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/rpc"
)

// Client wraps a connection to the daemon with typed calls.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := rpc.Dial(socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func session(method string) string { return rpc.FullMethod(SessionServiceName, method) }
func chat(method string) string    { return rpc.FullMethod(ChatServiceName, method) }
func calls(method string) string   { return rpc.FullMethod(CallServiceName, method) }

var empty = &emptypb.Empty{}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return rpc.Invoke[StatusResponse](ctx, c.conn, session("GetStatus"), empty)
}

func (c *Client) Login(ctx context.Context, token string) (*StatusResponse, error) {
	return rpc.Invoke[StatusResponse](ctx, c.conn, session("Login"), &LoginRequest{Token: token})
}

func (c *Client) Logout(ctx context.Context) (*StatusResponse, error) {
	return rpc.Invoke[StatusResponse](ctx, c.conn, session("Logout"), empty)
}

func (c *Client) Presence(ctx context.Context, userID string) (*PresenceResponse, error) {
	return rpc.Invoke[PresenceResponse](ctx, c.conn, session("GetPresence"), wrapperspb.String(userID))
}

func (c *Client) Online(ctx context.Context) (*PresenceResponse, error) {
	return rpc.Invoke[PresenceResponse](ctx, c.conn, session("ListOnline"), empty)
}

func (c *Client) Typing(ctx context.Context) (*TypingResponse, error) {
	return rpc.Invoke[TypingResponse](ctx, c.conn, session("GetTyping"), empty)
}

func (c *Client) Conversations(ctx context.Context, refresh bool) (*ConversationsResponse, error) {
	method := "ListConversations"
	if refresh {
		method = "RefreshConversations"
	}
	return rpc.Invoke[ConversationsResponse](ctx, c.conn, chat(method), empty)
}

func (c *Client) Open(ctx context.Context, conversationID string) (*MessagesResponse, error) {
	return rpc.Invoke[MessagesResponse](ctx, c.conn, chat("OpenConversation"), wrapperspb.String(conversationID))
}

func (c *Client) CloseConversation(ctx context.Context) error {
	_, err := rpc.Invoke[emptypb.Empty](ctx, c.conn, chat("CloseConversation"), empty)
	return err
}

func (c *Client) Messages(ctx context.Context) (*MessagesResponse, error) {
	return rpc.Invoke[MessagesResponse](ctx, c.conn, chat("ListMessages"), empty)
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*model.Message, error) {
	return rpc.Invoke[model.Message](ctx, c.conn, chat("SendMessage"), req)
}

func (c *Client) Pin(ctx context.Context, conversationID string) (*UndoResponse, error) {
	return rpc.Invoke[UndoResponse](ctx, c.conn, chat("Pin"), wrapperspb.String(conversationID))
}

func (c *Client) Archive(ctx context.Context, conversationID string) (*UndoResponse, error) {
	return rpc.Invoke[UndoResponse](ctx, c.conn, chat("Archive"), wrapperspb.String(conversationID))
}

func (c *Client) Delete(ctx context.Context, conversationID string) (*UndoResponse, error) {
	return rpc.Invoke[UndoResponse](ctx, c.conn, chat("Delete"), wrapperspb.String(conversationID))
}

func (c *Client) Undo(ctx context.Context, token string) (*model.Conversation, error) {
	return rpc.Invoke[model.Conversation](ctx, c.conn, chat("Undo"), wrapperspb.String(token))
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	return rpc.Invoke[SearchResponse](ctx, c.conn, chat("SearchMessages"), req)
}

func (c *Client) UpdateProposal(ctx context.Context, messageID string, status model.ProposalStatus) (*model.Message, error) {
	return rpc.Invoke[model.Message](ctx, c.conn, chat("UpdateProposal"), &ProposalRequest{MessageID: messageID, Status: status})
}

func (c *Client) SendTyping(ctx context.Context, conversationID string) error {
	_, err := rpc.Invoke[emptypb.Empty](ctx, c.conn, chat("SendTyping"), &TypingRequest{ConversationID: conversationID})
	return err
}

// Watch streams daemon events whose kind starts with one of prefixes.
func (c *Client) Watch(ctx context.Context, prefixes ...string) (*rpc.Stream[WatchEvent], error) {
	return rpc.Subscribe[WatchEvent](ctx, c.conn, ChatServiceName, WatchEventsStream, &WatchRequest{Prefixes: prefixes})
}

func (c *Client) StartCall(ctx context.Context, conversationID, peerID string) (*CallResponse, error) {
	return rpc.Invoke[CallResponse](ctx, c.conn, calls("Start"), &StartCallRequest{ConversationID: conversationID, PeerID: peerID})
}

// CallAction runs one of Cancel, Accept, Decline, Hangup or State.
func (c *Client) CallAction(ctx context.Context, action string) (*CallResponse, error) {
	return rpc.Invoke[CallResponse](ctx, c.conn, calls(action), empty)
}
