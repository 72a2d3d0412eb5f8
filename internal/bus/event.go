package bus

import "time"

// Event kinds published by the conversation core. Subscribers filter by
// namespace prefix ("conversation.", "call.", ...).
const (
	ChannelStatusChanged = "channel.status_changed"
	ChannelReconnected   = "channel.reconnected"

	ConversationsLoaded        = "conversation.loaded"
	ConversationUpdated        = "conversation.updated"
	ConversationRemoved        = "conversation.removed"
	ConversationMutationFailed = "conversation.mutation_failed"
	ConversationRefetchNeeded  = "conversation.refetch_needed"

	MessageUpserted   = "message.upserted"
	MessageSendFailed = "message.send_failed"

	PresenceChanged  = "presence.changed"
	TypingChanged    = "typing.changed"
	CallStateChanged = "call.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
