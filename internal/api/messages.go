package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/presence"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
)

// Service names on the wire.
const (
	SessionServiceName = "convo.v1.SessionService"
	ChatServiceName    = "convo.v1.ChatService"
	CallServiceName    = "convo.v1.CallService"
)

// StatusResponse describes the daemon and its channel.
type StatusResponse struct {
	Session       string       `json:"session"`
	State         status.State `json:"state"`
	Since         time.Time    `json:"since"`
	Connected     bool         `json:"connected"`
	UserID        string       `json:"userId,omitempty"`
	Queued        int          `json:"queued"`
	Conversations int          `json:"conversations"`
	UptimeMs      int64        `json:"uptimeMs"`
}

// LoginRequest carries a backend-issued session token.
type LoginRequest struct {
	Token string `json:"token"`
}

// PresenceResponse lists presence records.
type PresenceResponse struct {
	Records []presence.Record `json:"records"`
}

// TypingResponse lists the peers currently typing.
type TypingResponse struct {
	UserIDs []string `json:"userIds"`
	Summary string   `json:"summary,omitempty"`
}

// ConversationsResponse is the visible conversation list in display order.
type ConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

// MessagesResponse is the active thread.
type MessagesResponse struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Messages       []model.Message `json:"messages"`
}

// SendRequest posts a message. Image bytes may be inlined or referenced by a
// path readable by the daemon.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
	ImagePath      string `json:"imagePath,omitempty"`
	ImageName      string `json:"imageName,omitempty"`
	ImageData      []byte `json:"imageData,omitempty"`
}

// UndoResponse carries the token that reverts a mutation.
type UndoResponse struct {
	Token string `json:"token"`
}

// SearchRequest queries the local message cache.
type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// SearchResponse holds matches, newest first.
type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
}

// ProposalRequest answers a booking proposal.
type ProposalRequest struct {
	MessageID string               `json:"messageId"`
	Status    model.ProposalStatus `json:"status"`
}

// TypingRequest notifies the peer of a conversation.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

// WatchRequest filters the event stream by kind prefix. Empty means all.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// WatchEvent is one bus event.
type WatchEvent struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StartCallRequest places a call. PeerID defaults to the conversation's
// other participant.
type StartCallRequest struct {
	ConversationID string `json:"conversationId"`
	PeerID         string `json:"peerId,omitempty"`
}

// CallResponse is the call state after an operation.
type CallResponse struct {
	Session call.Session `json:"session"`
}
