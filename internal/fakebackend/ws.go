package fakebackend

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/wire"
)

// handleWS upgrades an authenticated channel connection. Browsers cannot
// set headers on the upgrade, so the token rides in ?token=.
func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	userID, err := b.verify(tokenStr)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	c, first := b.hub.add(userID, conn)
	b.mu.Lock()
	contacts := b.contactsLocked(userID)
	b.mu.Unlock()

	if first {
		b.hub.sendTo(contacts, wire.Presence{UserID: userID, Online: true})
	}
	for _, peer := range contacts {
		if b.hub.online(peer) {
			b.hub.sendTo([]string{userID}, wire.Presence{UserID: peer, Online: true})
		}
	}
	b.log.Debug("channel connected", zap.String("user_id", userID))

	b.readLoop(c)

	if b.hub.remove(c) {
		now := b.now().UTC()
		b.mu.Lock()
		b.lastActive[userID] = now
		b.mu.Unlock()
		b.hub.sendTo(contacts, wire.Presence{UserID: userID, Online: false, LastSeen: &now})
	}
	b.log.Debug("channel disconnected", zap.String("user_id", userID))
}

// readLoop relays client frames until the connection fails. The sender is
// always the authenticated user, whatever the frame claims.
func (b *Backend) readLoop(c *client) {
	for {
		var env wire.Envelope
		if err := wsjson.Read(c.ctx, c.conn, &env); err != nil {
			return
		}
		switch {
		case env.Type == wire.KindTyping:
			var t wire.Typing
			if json.Unmarshal(env.Data, &t) != nil || t.ReceiverID == "" {
				continue
			}
			if !b.shareConversation(c.userID, t.ReceiverID) {
				continue
			}
			b.hub.sendTo([]string{t.ReceiverID}, wire.Typing{
				SenderID:       c.userID,
				ConversationID: t.ConversationID,
			})
		case env.Type.IsCallSignal():
			var s wire.CallSignal
			if json.Unmarshal(env.Data, &s) != nil || s.TargetUserID == "" || s.SessionID == "" {
				continue
			}
			b.hub.sendTo([]string{s.TargetUserID}, wire.CallSignal{
				Type:      env.Type,
				SenderID:  c.userID,
				SessionID: s.SessionID,
			})
		case env.Type == wire.KindPresence:
			b.mu.Lock()
			b.lastActive[c.userID] = b.now().UTC()
			b.mu.Unlock()
		}
	}
}

func (b *Backend) shareConversation(a, other string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.convs {
		if c.has(a) && c.has(other) {
			return true
		}
	}
	return false
}
