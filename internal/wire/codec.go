package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by Decode for an envelope type outside the contract.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the outer frame shape.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw frame into its concrete Event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		env.Data = []byte("{}")
	}

	switch {
	case env.Type == KindMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
			return nil, fmt.Errorf("decode message: missing id, conversationId or senderId")
		}
		return m, nil
	case env.Type == KindTyping:
		var t Typing
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
		if t.SenderID == "" {
			return nil, fmt.Errorf("decode typing: missing senderId")
		}
		return t, nil
	case env.Type == KindPresence:
		var p Presence
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("decode presence: missing userId")
		}
		return p, nil
	case env.Type.IsCallSignal():
		var s CallSignal
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		// The envelope type is authoritative.
		s.Type = env.Type
		if s.SenderID == "" || s.SessionID == "" {
			return nil, fmt.Errorf("decode %s: missing senderId or sessionId", env.Type)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Encode wraps an event in its envelope.
func Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("encode: nil event")
	}
	if s, ok := evt.(CallSignal); ok && !s.Type.IsCallSignal() {
		return nil, fmt.Errorf("encode: %q is not a call signal", s.Type)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Kind(), err)
	}
	return json.Marshal(Envelope{Type: evt.Kind(), Data: data})
}
