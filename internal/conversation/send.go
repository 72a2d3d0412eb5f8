package conversation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/rest"
)

// MaxImageBytes is the largest image the backend accepts.
const MaxImageBytes = 5 << 20

// SendRequest is one outgoing message. ConversationID defaults to the active
// conversation. An image is given either as a path or as raw bytes.
type SendRequest struct {
	ConversationID string
	Text           string
	ImagePath      string
	ImageName      string
	ImageData      []byte
}

func (r SendRequest) hasImage() bool {
	return r.ImagePath != "" || len(r.ImageData) > 0
}

// SendFailed is published on message.send_failed.
type SendFailed struct {
	ConversationID string `json:"conversationId"`
	PendingID      string `json:"pendingId"`
	Error          string `json:"error"`
}

// SendMessage validates and uploads an optional image, appends a pending
// placeholder, posts the message and swaps the placeholder for the
// server-confirmed message. On failure the placeholder is removed and a
// *SendFailure returned.
func (s *Store) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" && !req.hasImage() {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	convID := req.ConversationID
	if convID == "" {
		convID = s.active
	}
	_, known := s.convs[convID]
	self := s.selfID
	s.mu.Unlock()
	if convID == "" || !known {
		return Message{}, fmt.Errorf("send to %q: %w", convID, ErrNotFound)
	}

	var imageURL string
	if req.hasImage() {
		up, err := loadImage(req)
		if err != nil {
			return Message{}, err
		}
		imageURL, err = s.api.UploadImage(ctx, up)
		if err != nil {
			return Message{}, &SendFailure{ConversationID: convID, Err: fmt.Errorf("upload image: %w", err)}
		}
	}

	pending := Message{
		ID:             "pending-" + uuid.NewString(),
		ConversationID: convID,
		SenderID:       self,
		Text:           req.Text,
		ImageURL:       imageURL,
		CreatedAt:      s.now().UTC(),
		Pending:        true,
	}
	s.appendIfActive(pending)
	if s.cache != nil {
		if err := s.cache.UpsertMessage(pending); err != nil {
			s.log.Warn("cache placeholder", zap.Error(err))
		}
	}
	s.bus.Emit(bus.MessageUpserted, pending)

	sent, err := s.api.SendMessage(ctx, rest.SendMessageRequest{
		ConversationID: convID,
		Text:           req.Text,
		ImageURL:       imageURL,
		ClientID:       pending.ID,
	})
	if err != nil {
		s.dropPlaceholder(pending)
		failure := &SendFailure{ConversationID: convID, Err: err}
		s.bus.Emit(bus.MessageSendFailed, SendFailed{ConversationID: convID, PendingID: pending.ID, Error: err.Error()})
		return Message{}, failure
	}

	confirmed := *sent
	confirmed.Pending = false
	confirmed.ClientID = pending.ID
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = convID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = self
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}
	updated, ok := s.confirm(pending.ID, confirmed)
	if s.cache != nil {
		if err := s.cache.ConfirmMessage(pending.ID, confirmed); err != nil {
			s.log.Warn("cache confirmed message", zap.Error(err))
		}
	}
	s.bus.Emit(bus.MessageUpserted, confirmed)
	if ok {
		s.writeConversation(updated)
		s.bus.Emit(bus.ConversationUpdated, updated)
	}
	return confirmed, nil
}

func (s *Store) appendIfActive(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == m.ConversationID {
		s.messages = MergeMessage(s.messages, m)
	}
}

func (s *Store) dropPlaceholder(m Message) {
	s.mu.Lock()
	s.messages = RemoveMessage(s.messages, m.ID)
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.DeleteMessage(m.ID); err != nil {
			s.log.Warn("cache drop placeholder", zap.Error(err))
		}
	}
}

// confirm swaps the placeholder for m in the thread and bumps the
// conversation's last message.
func (s *Store) confirm(pendingID string, m Message) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSeenLocked(m.ID)
	if s.active == m.ConversationID {
		s.messages = MergeMessage(RemoveMessage(s.messages, pendingID), m)
	}
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return Conversation{}, false
	}
	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = m.Snapshot()
	}
	return *c, true
}

// loadImage reads and validates the image of req: at most MaxImageBytes and
// an image MIME type by content sniffing.
func loadImage(req SendRequest) (rest.Upload, error) {
	data, name := req.ImageData, req.ImageName
	if req.ImagePath != "" {
		f, err := os.Open(req.ImagePath)
		if err != nil {
			return rest.Upload{}, &UploadError{Reason: fmt.Sprintf("cannot read %s: %v", req.ImagePath, err)}
		}
		defer func() { _ = f.Close() }()
		if fi, err := f.Stat(); err == nil && fi.Size() > MaxImageBytes {
			return rest.Upload{}, &UploadError{Reason: "larger than 5MB", Size: fi.Size()}
		}
		data, err = io.ReadAll(io.LimitReader(f, MaxImageBytes+1))
		if err != nil {
			return rest.Upload{}, &UploadError{Reason: fmt.Sprintf("cannot read %s: %v", req.ImagePath, err)}
		}
		if name == "" {
			name = filepath.Base(req.ImagePath)
		}
	}
	size := int64(len(data))
	if size > MaxImageBytes {
		return rest.Upload{}, &UploadError{Reason: "larger than 5MB", Size: size}
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return rest.Upload{}, &UploadError{Reason: "not an image", Size: size, MIME: mt.String()}
	}
	if name == "" {
		name = "image" + mt.Extension()
	}
	return rest.Upload{Filename: name, ContentType: mt.String(), Data: data}, nil
}
