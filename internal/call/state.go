// Package call drives the video call signaling handshake for one session
// user. At most one call is active at a time.
package call

import (
	"errors"
	"fmt"
)

// State is a call signaling state.
type State string

const (
	Idle          State = "IDLE"
	Inviting      State = "INVITING"
	RingingLocal  State = "RINGING_LOCAL"
	RingingRemote State = "RINGING_REMOTE"
	Accepted      State = "ACCEPTED"
	Declined      State = "DECLINED"
	Cancelled     State = "CANCELLED"
	Ended         State = "ENDED"
)

// Direction says who placed the call.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Session is a snapshot of the active call. It is also the payload of
// call.state_changed.
type Session struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	PeerID         string    `json:"peerId,omitempty"`
	Direction      Direction `json:"direction,omitempty"`
	State          State     `json:"state"`
}

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no call to act on")
	// ErrAbandoned is returned by Start when the attempt was cancelled or
	// superseded by a crossing invite before it finished.
	ErrAbandoned = errors.New("call attempt abandoned")
)

// PeerOfflineError is returned when calling a peer that is not online.
type PeerOfflineError struct {
	PeerID string
}

func (e *PeerOfflineError) Error() string {
	return fmt.Sprintf("peer %s is offline", e.PeerID)
}
