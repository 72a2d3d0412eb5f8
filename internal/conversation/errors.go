package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned when a send has neither text nor image.
	ErrEmptyMessage = errors.New("message needs text or an image")
	// ErrNotFound is returned for unknown conversations, messages or undo tokens.
	ErrNotFound = errors.New("not found")
	// ErrInvalidProposal is returned for proposal transitions other than
	// pending to accepted or rejected.
	ErrInvalidProposal = errors.New("invalid proposal transition")
)

// UploadError rejects an image before any upload is attempted.
type UploadError struct {
	Reason string
	Size   int64
	MIME   string
}

func (e *UploadError) Error() string {
	return "image rejected: " + e.Reason
}

// SendFailure is a send the backend did not accept. The message stays unsent
// and is not retried.
type SendFailure struct {
	ConversationID string
	Err            error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }
