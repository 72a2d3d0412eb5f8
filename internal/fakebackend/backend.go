// Package fakebackend is an in-memory marketplace backend: the REST
// collaborators the daemon consumes plus the real-time channel endpoint.
// It backs integration tests and the convofake binary.
package fakebackend

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
)

// MaxUploadBytes mirrors the backend's upload cap.
const MaxUploadBytes = 5 << 20

// User is a marketplace account.
type User struct {
	ID          string
	DisplayName string
}

type conversation struct {
	id           string
	participants [2]string
	messages     []model.Message
	unread       map[string]int
	pinned       map[string]bool
	archived     map[string]bool
	deleted      map[string]bool
}

func (c *conversation) has(userID string) bool {
	return c.participants[0] == userID || c.participants[1] == userID
}

func (c *conversation) peer(userID string) string {
	if c.participants[0] == userID {
		return c.participants[1]
	}
	return c.participants[0]
}

type videoSession struct {
	conversationID string
	caller         string
	callee         string
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend holds all state behind one mutex.
type Backend struct {
	mu         sync.Mutex
	secret     []byte
	users      map[string]User
	lastActive map[string]time.Time
	convs      map[string]*conversation
	video      map[string]videoSession
	seq        int
	failSend   bool

	hub    *hub
	now    func() time.Time
	log    *zap.Logger
	router chi.Router
}

// New creates a Backend that signs and verifies tokens with secret.
func New(secret string, opts ...Option) *Backend {
	b := &Backend{
		secret:     []byte(secret),
		users:      make(map[string]User),
		lastActive: make(map[string]time.Time),
		convs:      make(map[string]*conversation),
		video:      make(map[string]videoSession),
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	b.hub = newHub(b.log)
	b.router = b.routes()
	return b
}

// ServeHTTP implements http.Handler.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", b.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(b.authMiddleware)

		r.Get("/conversations", b.handleListConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", b.handleGetConversation)
			r.Patch("/", b.handleMarkRead)
			r.Delete("/", b.handleDeleteConversation)
			r.Patch("/pin", b.handleToggle(func(c *conversation) map[string]bool { return c.pinned }, "pinned"))
			r.Patch("/archive", b.handleToggle(func(c *conversation) map[string]bool { return c.archived }, "archived"))
		})
		r.Post("/messages", b.handleSendMessage)
		r.Post("/messages/upload", b.handleUpload)
		r.Post("/video/create", b.handleCreateVideo)
		r.Post("/video/end/{id}", b.handleEndVideo)
	})
	return r
}

// AddUser registers an account.
func (b *Backend) AddUser(id, displayName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[id] = User{ID: id, DisplayName: displayName}
}

// CreateConversation opens a conversation between two registered users.
func (b *Backend) CreateConversation(id, userA, userB string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range []string{userA, userB} {
		if _, ok := b.users[u]; !ok {
			return fmt.Errorf("unknown user %q", u)
		}
	}
	if _, ok := b.convs[id]; ok {
		return fmt.Errorf("conversation %q exists", id)
	}
	b.convs[id] = &conversation{
		id:           id,
		participants: [2]string{userA, userB},
		unread:       make(map[string]int),
		pinned:       make(map[string]bool),
		archived:     make(map[string]bool),
		deleted:      make(map[string]bool),
	}
	return nil
}

// IssueToken signs an HS256 session token for userID.
func (b *Backend) IssueToken(userID string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	u, ok := b.users[userID]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %q", userID)
	}
	now := b.now()
	claims := jwt.MapClaims{
		"sub":  u.ID,
		"name": u.DisplayName,
		"iat":  now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

// SetFailSend makes POST /messages answer 500 until reset.
func (b *Backend) SetFailSend(fail bool) {
	b.mu.Lock()
	b.failSend = fail
	b.mu.Unlock()
}

// Messages returns a copy of a conversation's history.
func (b *Backend) Messages(conversationID string) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), c.messages...)
}

// VideoSessions returns the IDs of live video sessions.
func (b *Backend) VideoSessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.video))
	for id := range b.video {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Online reports whether userID has a live channel connection.
func (b *Backend) Online(userID string) bool {
	return b.hub.online(userID)
}

// Disconnect drops every channel connection of userID, as a network blip
// would.
func (b *Backend) Disconnect(userID string) {
	b.hub.drop(userID)
}

// view renders c as seen by userID. Callers hold b.mu.
func (b *Backend) viewLocked(c *conversation, userID string) model.Conversation {
	out := model.Conversation{
		ID:          c.id,
		UnreadCount: c.unread[userID],
		Pinned:      c.pinned[userID],
		Archived:    c.archived[userID],
	}
	for i, id := range c.participants {
		out.Participants[i] = model.Participant{
			UserID:      id,
			DisplayName: b.users[id].DisplayName,
			LastActive:  b.lastActive[id],
		}
	}
	if n := len(c.messages); n > 0 {
		out.LastMessage = c.messages[n-1].Snapshot()
	}
	return out
}

// contactsLocked returns every user sharing a conversation with userID.
func (b *Backend) contactsLocked(userID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range b.convs {
		if !c.has(userID) {
			continue
		}
		p := c.peer(userID)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
