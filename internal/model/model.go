// Package model holds the conversation domain types shared by the store,
// the REST client and the local cache.
package model

import (
	"time"

	"github.com/matheus3301/convo/internal/wire"
)

// ProposalStatus is the lifecycle of a booking proposal attached to a message.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// Participant is one side of a two-party conversation.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	LastActive  time.Time `json:"lastActive,omitempty"`
}

// MessageSnapshot is the last-message summary carried on a conversation.
type MessageSnapshot struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
	Type      string    `json:"type"`
}

// Conversation is a two-party thread.
type Conversation struct {
	ID           string           `json:"id"`
	Participants [2]Participant   `json:"participants"`
	LastMessage  *MessageSnapshot `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	Pinned       bool             `json:"pinned"`
	Archived     bool             `json:"archived"`
}

// LastActivity returns the last message time, or the zero time.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// Peer returns the participant that is not selfID.
func (c Conversation) Peer(selfID string) Participant {
	if c.Participants[0].UserID == selfID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return c.Participants[0].UserID == userID || c.Participants[1].UserID == userID
}

// Proposal is a booking proposal referenced by a message.
type Proposal struct {
	ID     string         `json:"id"`
	Status ProposalStatus `json:"status"`
}

// Message belongs to exactly one conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	IsAudio        bool      `json:"isAudio,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Proposal       *Proposal `json:"proposal,omitempty"`
	System         bool      `json:"system,omitempty"`

	// ClientID is the placeholder id this message confirms, if known.
	ClientID string `json:"clientId,omitempty"`
	// Pending marks an optimistic placeholder whose ID is client-generated.
	Pending bool `json:"pending,omitempty"`
}

// Type classifies the message body for the last-message snapshot.
func (m Message) Type() string {
	switch {
	case m.System:
		return "system"
	case m.IsAudio:
		return "audio"
	case m.ImageURL != "" && m.Text == "":
		return "image"
	case m.Proposal != nil:
		return "proposal"
	default:
		return "text"
	}
}

// Snapshot summarizes the message for the conversation list.
func (m Message) Snapshot() *MessageSnapshot {
	return &MessageSnapshot{
		ID:        m.ID,
		Text:      m.Text,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		Type:      m.Type(),
	}
}

// FromWire converts a channel message event.
func FromWire(w wire.Message) Message {
	m := Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Text:           w.Text,
		ImageURL:       w.ImageURL,
		IsAudio:        w.IsAudio,
		CreatedAt:      w.CreatedAt,
		System:         w.System,
		ClientID:       w.ClientID,
	}
	if w.Proposal != nil {
		m.Proposal = &Proposal{ID: w.Proposal.ID, Status: ProposalStatus(w.Proposal.Status)}
	}
	return m
}
