package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/bus"
)

// Op names a list mutation that can be undone.
type Op string

const (
	OpPin     Op = "pin"
	OpArchive Op = "archive"
	OpDelete  Op = "delete"
)

const undoCap = 64

type undoEntry struct {
	op     Op
	before Conversation
	call   *outcome
}

// outcome is the result of a mutation's background REST call. done closes
// once err is final.
type outcome struct {
	done chan struct{}
	err  error
}

// UndoToken identifies one reversible mutation.
type UndoToken string

// Pin toggles the pinned flag locally and on the backend.
func (s *Store) Pin(ctx context.Context, id string) (UndoToken, error) {
	return s.mutate(id, OpPin, func(ctx context.Context) error {
		_, err := s.api.Pin(ctx, id)
		return err
	})
}

// Archive hides the conversation locally and archives it on the backend.
func (s *Store) Archive(ctx context.Context, id string) (UndoToken, error) {
	return s.mutate(id, OpArchive, func(ctx context.Context) error {
		_, err := s.api.Archive(ctx, id)
		return err
	})
}

// Delete removes the conversation locally and on the backend.
func (s *Store) Delete(ctx context.Context, id string) (UndoToken, error) {
	return s.mutate(id, OpDelete, func(ctx context.Context) error {
		return s.api.Delete(ctx, id)
	})
}

// mutate applies op optimistically and fires call in the background. A
// failed call leaves the local change in place; Undo is the recovery path.
func (s *Store) mutate(id string, op Op, call func(ctx context.Context) error) (UndoToken, error) {
	s.mu.Lock()
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	before := *c
	token := UndoToken(uuid.NewString())
	res := &outcome{done: make(chan struct{})}
	s.rememberLocked(token, undoEntry{op: op, before: before, call: res})

	var updated Conversation
	removed := false
	switch op {
	case OpPin:
		c.Pinned = !c.Pinned
		updated = *c
	case OpArchive, OpDelete:
		delete(s.convs, id)
		if s.active == id {
			s.active = ""
			s.messages = nil
		}
		removed = true
	}
	s.mu.Unlock()

	switch {
	case !removed:
		s.writeConversation(updated)
		s.bus.Emit(bus.ConversationUpdated, updated)
	case op == OpArchive:
		archived := before
		archived.Archived = true
		s.writeConversation(archived)
		s.bus.Emit(bus.ConversationRemoved, id)
	default:
		if s.cache != nil {
			if err := s.cache.DeleteConversation(id); err != nil {
				s.log.Warn("cache delete", zap.String("conversation_id", id), zap.Error(err))
			}
		}
		s.bus.Emit(bus.ConversationRemoved, id)
	}

	s.backgroundWithUndo(string(op), id, string(token), func(ctx context.Context) error {
		defer close(res.done)
		res.err = call(ctx)
		return res.err
	})
	return token, nil
}

// Undo restores the conversation as it was before the mutation behind token.
// Pin and archive are reverted on the backend with a second toggle once the
// original call has succeeded; if it failed the backend never changed and
// only the local state is restored. A delete is restored locally only.
func (s *Store) Undo(ctx context.Context, token UndoToken) (Conversation, error) {
	s.mu.Lock()
	entry, ok := s.undo[string(token)]
	if !ok {
		s.mu.Unlock()
		return Conversation{}, fmt.Errorf("undo %s: %w", token, ErrNotFound)
	}
	delete(s.undo, string(token))
	restored := entry.before
	s.convs[restored.ID] = &restored
	s.mu.Unlock()

	s.writeConversation(restored)
	s.bus.Emit(bus.ConversationUpdated, restored)

	id := restored.ID
	switch entry.op {
	case OpPin:
		s.background("undo_pin", id, compensate(entry.call, func(ctx context.Context) error {
			_, err := s.api.Pin(ctx, id)
			return err
		}))
	case OpArchive:
		s.background("undo_archive", id, compensate(entry.call, func(ctx context.Context) error {
			_, err := s.api.Archive(ctx, id)
			return err
		}))
	}
	return restored, nil
}

// compensate waits for the original call and sends toggle only if it took
// effect on the backend.
func compensate(orig *outcome, toggle func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if orig != nil {
			select {
			case <-orig.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if orig.err != nil {
				return nil
			}
		}
		return toggle(ctx)
	}
}

func (s *Store) rememberLocked(token UndoToken, e undoEntry) {
	s.undo[string(token)] = e
	s.undoOrder = append(s.undoOrder, string(token))
	for len(s.undoOrder) > undoCap {
		delete(s.undo, s.undoOrder[0])
		s.undoOrder = s.undoOrder[1:]
	}
}
