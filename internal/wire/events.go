// Package wire defines the real-time channel event contract. Every frame is
// an envelope {"type": ..., "data": {...}} whose data decodes into exactly one
// of the concrete Event types below.
package wire

import "time"

// Kind identifies an event variant on the wire.
type Kind string

const (
	KindMessage      Kind = "message"
	KindTyping       Kind = "typing"
	KindPresence     Kind = "presence"
	KindVideoInvite  Kind = "video_invite"
	KindVideoAccept  Kind = "video_accept"
	KindVideoDecline Kind = "video_decline"
	KindVideoEnd     Kind = "video_end"
)

// IsCallSignal reports whether k is one of the video signaling kinds.
func (k Kind) IsCallSignal() bool {
	switch k {
	case KindVideoInvite, KindVideoAccept, KindVideoDecline, KindVideoEnd:
		return true
	}
	return false
}

// Event is implemented by Message, Typing, Presence and CallSignal only.
type Event interface {
	Kind() Kind
	isEvent()
}

// Proposal is a booking proposal attached to a message.
type Proposal struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Message is a chat message delivered over the channel.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	IsAudio        bool      `json:"isAudio,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	System         bool      `json:"system,omitempty"`
	Proposal       *Proposal `json:"proposal,omitempty"`
	// ClientID echoes the sender's placeholder id when the backend supports it.
	ClientID string `json:"clientId,omitempty"`
}

// Typing is a "peer is typing" notification. Inbound frames carry SenderID;
// outbound frames address ReceiverID within ConversationID.
type Typing struct {
	SenderID       string `json:"senderId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Presence announces a user's online state.
type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// CallSignal is one step of the video call handshake.
type CallSignal struct {
	Type         Kind   `json:"type"`
	SenderID     string `json:"senderId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
	SessionID    string `json:"sessionId"`
}

func (Message) Kind() Kind      { return KindMessage }
func (Typing) Kind() Kind       { return KindTyping }
func (Presence) Kind() Kind     { return KindPresence }
func (s CallSignal) Kind() Kind { return s.Type }

func (Message) isEvent()    {}
func (Typing) isEvent()     {}
func (Presence) isEvent()   {}
func (CallSignal) isEvent() {}
