package fakebackend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/wire"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// conversationFor looks up the {id} conversation and checks the caller is
// a participant that has not deleted it. Callers hold b.mu.
func (b *Backend) conversationForLocked(w http.ResponseWriter, r *http.Request) (*conversation, bool) {
	user := userFrom(r)
	c, ok := b.convs[chi.URLParam(r, "id")]
	if !ok || !c.has(user) || c.deleted[user] {
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return c, true
}

func (b *Backend) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	b.mu.Lock()
	out := make([]model.Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		if c.has(user) && !c.deleted[user] {
			out = append(out, b.viewLocked(c, user))
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity().Equal(out[j].LastActivity()) {
			return out[i].LastActivity().After(out[j].LastActivity())
		}
		return out[i].ID < out[j].ID
	})
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (b *Backend) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	b.mu.Lock()
	c, ok := b.conversationForLocked(w, r)
	if !ok {
		b.mu.Unlock()
		return
	}
	page := rest.ConversationPage{Conversation: b.viewLocked(c, user)}
	if r.URL.Query().Get("messages") == "true" {
		msgs := c.messages
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		page.Messages = append([]model.Message{}, msgs...)
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, page)
}

func (b *Backend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Read bool `json:"read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	c, ok := b.conversationForLocked(w, r)
	if !ok {
		b.mu.Unlock()
		return
	}
	if body.Read {
		c.unread[userFrom(r)] = 0
	}
	view := b.viewLocked(c, userFrom(r))
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

func (b *Backend) handleToggle(flags func(*conversation) map[string]bool, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		b.mu.Lock()
		c, ok := b.conversationForLocked(w, r)
		if !ok {
			b.mu.Unlock()
			return
		}
		m := flags(c)
		m[user] = !m[user]
		v := m[user]
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{field: v})
	}
}

func (b *Backend) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	c, ok := b.conversationForLocked(w, r)
	if !ok {
		b.mu.Unlock()
		return
	}
	c.deleted[userFrom(r)] = true
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req rest.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.ImageURL == "" {
		writeJSONError(w, http.StatusBadRequest, "text or imageUrl is required")
		return
	}

	b.mu.Lock()
	if b.failSend {
		b.mu.Unlock()
		writeJSONError(w, http.StatusInternalServerError, "send unavailable")
		return
	}
	c, ok := b.convs[req.ConversationID]
	if !ok || !c.has(user) {
		b.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	b.seq++
	now := b.now().UTC()
	msg := model.Message{
		ID:             fmt.Sprintf("m%d", b.seq),
		ConversationID: c.id,
		SenderID:       user,
		Text:           req.Text,
		ImageURL:       req.ImageURL,
		CreatedAt:      now,
	}
	c.messages = append(c.messages, msg)
	peer := c.peer(user)
	c.unread[peer]++
	delete(c.deleted, peer)
	b.lastActive[user] = now
	participants := c.participants
	b.mu.Unlock()

	b.hub.sendTo(participants[:], wire.Message{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		ImageURL:       msg.ImageURL,
		CreatedAt:      msg.CreatedAt,
		ClientID:       req.ClientID,
	})
	b.log.Debug("message sent",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
	)
	writeJSON(w, http.StatusCreated, msg)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(MaxUploadBytes + 1<<20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "image field is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read image")
		return
	}
	if len(data) > MaxUploadBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "image exceeds 5MB")
		return
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "only images are accepted")
		return
	}

	b.mu.Lock()
	b.seq++
	n := b.seq
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{
		"url": fmt.Sprintf("https://cdn.convo.test/uploads/%d/%s", n, header.Filename),
	})
}

func (b *Backend) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var body struct {
		ConversationID string `json:"conversationId"`
		PeerID         string `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b.mu.Lock()
	c, ok := b.convs[body.ConversationID]
	if !ok || !c.has(user) || c.peer(user) != body.PeerID {
		b.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	id := "vs-" + uuid.NewString()
	b.video[id] = videoSession{conversationID: c.id, caller: user, callee: body.PeerID}
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, rest.VideoSession{SessionID: id})
}

func (b *Backend) handleEndVideo(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	vs, ok := b.video[id]
	if !ok || (vs.caller != user && vs.callee != user) {
		b.mu.Unlock()
		writeJSONError(w, http.StatusNotFound, "video session not found")
		return
	}
	delete(b.video, id)
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
