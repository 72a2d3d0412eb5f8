package conversation

import (
	"slices"
	"strings"

	"github.com/matheus3301/convo/internal/model"
)

// Type aliases keep the conversation API self-describing.
type (
	Conversation    = model.Conversation
	Participant     = model.Participant
	Message         = model.Message
	MessageSnapshot = model.MessageSnapshot
	Proposal        = model.Proposal
	ProposalStatus  = model.ProposalStatus
)

const (
	ProposalPending  = model.ProposalPending
	ProposalAccepted = model.ProposalAccepted
	ProposalRejected = model.ProposalRejected
)

// MergeMessage returns list with msg merged in. An entry with the same ID is
// replaced, as is a pending placeholder whose ID equals msg.ClientID. The
// result is ordered by creation time, then ID.
func MergeMessage(list []Message, msg Message) []Message {
	out := make([]Message, 0, len(list)+1)
	merged := false
	for _, m := range list {
		if m.ID == msg.ID || (m.Pending && msg.ClientID != "" && m.ID == msg.ClientID) {
			if !merged {
				out = append(out, msg)
				merged = true
			}
			continue
		}
		out = append(out, m)
	}
	if !merged {
		out = append(out, msg)
	}
	sortMessages(out)
	return out
}

// RemoveMessage returns list without the entry id.
func RemoveMessage(list []Message, id string) []Message {
	return slices.DeleteFunc(slices.Clone(list), func(m Message) bool { return m.ID == id })
}

func sortMessages(list []Message) {
	slices.SortStableFunc(list, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortConversations orders pinned conversations first, then by last message
// time descending, then by ID.
func SortConversations(convs []Conversation) {
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
