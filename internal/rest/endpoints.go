package rest

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/matheus3301/convo/internal/model"
)

// ConversationPage is the body of GET /conversations/:id?messages=true.
type ConversationPage struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// Upload is an image already validated by the caller.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// VideoSession is a provisioned call session.
type VideoSession struct {
	SessionID string `json:"sessionId"`
}

// ListConversations fetches every conversation of the session user.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation fetches a conversation and up to limit of its latest messages.
func (c *Client) GetConversation(ctx context.Context, id string, limit int) (*ConversationPage, error) {
	q := url.Values{"messages": {"true"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ConversationPage
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// MarkRead clears the server-side unread counter.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id), nil, map[string]bool{"read": true}, nil)
}

// Pin toggles the pinned flag and returns the new value.
func (c *Client) Pin(ctx context.Context, id string) (bool, error) {
	var out struct {
		Pinned bool `json:"pinned"`
	}
	err := c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id)+"/pin", nil, nil, &out)
	return out.Pinned, err
}

// Archive toggles the archived flag and returns the new value.
func (c *Client) Archive(ctx context.Context, id string) (bool, error) {
	var out struct {
		Archived bool `json:"archived"`
	}
	err := c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id)+"/archive", nil, nil, &out)
	return out.Archived, err
}

// Delete removes a conversation.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil)
}

// SendMessage posts a message and returns it with its server-assigned ID.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*model.Message, error) {
	var m model.Message
	if err := c.do(ctx, http.MethodPost, "/messages", nil, req, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("send message: response has no id")
	}
	return &m, nil
}

// UploadImage posts an image as multipart field "image" and returns its URL.
func (c *Client) UploadImage(ctx context.Context, up Upload) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, up.Filename))
	h.Set("Content-Type", up.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("upload part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return "", fmt.Errorf("upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/messages/upload", nil), &buf)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// CreateVideoSession provisions a call session with peerID.
func (c *Client) CreateVideoSession(ctx context.Context, conversationID, peerID string) (*VideoSession, error) {
	in := map[string]string{"conversationId": conversationID, "peerId": peerID}
	var vs VideoSession
	if err := c.do(ctx, http.MethodPost, "/video/create", nil, in, &vs); err != nil {
		return nil, err
	}
	if vs.SessionID == "" {
		return nil, fmt.Errorf("create video session: response has no sessionId")
	}
	return &vs, nil
}

// EndVideoSession terminates a call session.
func (c *Client) EndVideoSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/video/end/"+url.PathEscape(sessionID), nil, nil, nil)
}
