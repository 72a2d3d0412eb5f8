package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for ephemeral sends while the channel is down.
	ErrNotConnected = errors.New("channel not connected")
	// ErrOutboxFull is returned when too many call signals are queued offline.
	ErrOutboxFull = errors.New("channel outbox full")
)

// ConnectionError is a dial failure. Auth is set when the backend refused
// the token; such failures are never retried.
type ConnectionError struct {
	Auth   bool
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Auth && e.Status != 0:
		return fmt.Sprintf("channel auth rejected (%d)", e.Status)
	case e.Auth:
		return fmt.Sprintf("channel auth rejected: %v", e.Err)
	case e.Status != 0:
		return fmt.Sprintf("channel dial failed (%d): %v", e.Status, e.Err)
	default:
		return fmt.Sprintf("channel dial failed: %v", e.Err)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an auth rejection.
func IsAuth(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Auth
}
