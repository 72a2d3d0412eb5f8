package fakebackend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/wire"
)

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan wire.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

// hub fans frames out to every connection of a user.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		clients: map[string]map[*client]struct{}{},
		log:     log,
	}
}

// add registers conn and reports whether it is the user's first live
// connection.
func (h *hub) add(userID string, conn *websocket.Conn) (*client, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan wire.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	first := len(h.clients[userID]) == 0
	if h.clients[userID] == nil {
		h.clients[userID] = map[*client]struct{}{}
	}
	h.clients[userID][c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop(h.log)
	return c, first
}

// remove unregisters c and reports whether the user has no connection left.
func (h *hub) remove(c *client) bool {
	c.cancel()

	h.mu.Lock()
	last := false
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
			last = true
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	return last
}

func (h *hub) online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// drop force-closes every connection of userID.
func (h *hub) drop(userID string) {
	h.mu.RLock()
	var conns []*websocket.Conn
	for c := range h.clients[userID] {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (h *hub) sendTo(userIDs []string, evt wire.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("encode frame", zap.String("type", string(evt.Kind())), zap.Error(err))
		return
	}
	env := wire.Envelope{Type: evt.Kind(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for c := range h.clients[uid] {
			select {
			case c.send <- env:
			default:
				h.log.Warn("client send buffer full, dropping frame", zap.String("user_id", uid))
			}
		}
	}
}

func (c *client) writeLoop(log *zap.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, env); err != nil {
				log.Debug("write frame", zap.String("user_id", c.userID), zap.Error(err))
			}
			cancel()
		}
	}
}
