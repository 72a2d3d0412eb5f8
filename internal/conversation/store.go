// Package conversation is the in-memory conversation list and active thread.
// It reconciles optimistic local writes with channel-delivered and
// REST-fetched state, and writes through to an optional local cache.
package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/rest"
)

// API is the subset of the REST client the store calls.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id string, limit int) (*rest.ConversationPage, error)
	MarkRead(ctx context.Context, id string) error
	Pin(ctx context.Context, id string) (bool, error)
	Archive(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (*Message, error)
	UploadImage(ctx context.Context, up rest.Upload) (string, error)
}

// Cache persists conversations and messages across restarts.
type Cache interface {
	ReplaceConversations(convs []Conversation) error
	UpsertConversation(c Conversation) error
	DeleteConversation(id string) error
	ListConversations() ([]Conversation, error)
	UpsertMessage(m Message) error
	ConfirmMessage(pendingID string, m Message) error
	DeleteMessage(id string) error
	ListMessages(conversationID string, before time.Time, limit int) ([]Message, error)
}

// ActivityObserver receives REST-reported participant activity.
type ActivityObserver interface {
	ObserveActivity(userID string, at time.Time)
}

// Options configures a Store. API is required.
type Options struct {
	API          API
	Cache        Cache
	Activity     ActivityObserver
	Bus          *bus.Bus
	Logger       *zap.Logger
	HistoryLimit int
	Now          func() time.Time
	// RESTTimeout bounds background mutation calls.
	RESTTimeout time.Duration
}

const seenCap = 2048

// Store is the process-wide conversation state for one session. Only its
// own methods mutate it.
type Store struct {
	api      API
	cache    Cache
	activity ActivityObserver
	bus      *bus.Bus
	log      *zap.Logger
	limit    int
	now      func() time.Time
	timeout  time.Duration

	mu           sync.Mutex
	selfID       string
	convs        map[string]*Conversation
	active       string
	messages     []Message
	needsRefetch bool
	seen         map[string]struct{}
	seenOrder    []string
	undo         map[string]undoEntry
	undoOrder    []string

	bg sync.WaitGroup
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RESTTimeout <= 0 {
		opts.RESTTimeout = 30 * time.Second
	}
	return &Store{
		api:      opts.API,
		cache:    opts.Cache,
		activity: opts.Activity,
		bus:      opts.Bus,
		log:      opts.Logger.Named("conversation"),
		limit:    opts.HistoryLimit,
		now:      opts.Now,
		timeout:  opts.RESTTimeout,
		convs:    make(map[string]*Conversation),
		seen:     make(map[string]struct{}),
		undo:     make(map[string]undoEntry),
	}
}

// SetSelfID sets the session user; their own messages never count as unread.
func (s *Store) SetSelfID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// Reset drops all session state after waiting for background mutations, then
// publishes the empty list. The next session user starts from a blank store.
func (s *Store) Reset() {
	s.bg.Wait()
	s.mu.Lock()
	s.selfID = ""
	s.convs = make(map[string]*Conversation)
	s.active = ""
	s.messages = nil
	s.needsRefetch = false
	s.seen = make(map[string]struct{})
	s.seenOrder = nil
	s.undo = make(map[string]undoEntry)
	s.undoOrder = nil
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationsLoaded, []Conversation{})
}

// Warm fills the list from the cache so it renders before the first REST
// load. It returns how many conversations were restored.
func (s *Store) Warm() (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	convs, err := s.cache.ListConversations()
	if err != nil {
		return 0, fmt.Errorf("warm from cache: %w", err)
	}
	s.mu.Lock()
	for i := range convs {
		c := convs[i]
		if c.Archived {
			continue
		}
		s.convs[c.ID] = &c
	}
	n := len(s.convs)
	s.mu.Unlock()
	s.bus.Emit(bus.ConversationsLoaded, s.Conversations())
	return n, nil
}

// LoadConversations replaces the list with the backend's, minus archived
// conversations.
func (s *Store) LoadConversations(ctx context.Context) ([]Conversation, error) {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	next := make(map[string]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		if c.Archived {
			continue
		}
		if c.ID == s.active {
			c.UnreadCount = 0
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next[c.ID] = &c
	}
	s.convs = next
	s.needsRefetch = false
	self := s.selfID
	snapshot := s.sortedLocked()
	s.mu.Unlock()

	if s.activity != nil {
		for _, c := range snapshot {
			peer := c.Peer(self)
			s.activity.ObserveActivity(peer.UserID, peer.LastActive)
		}
	}
	if s.cache != nil {
		if err := s.cache.ReplaceConversations(snapshot); err != nil {
			s.log.Warn("cache conversations", zap.Error(err))
		}
	}
	s.bus.Emit(bus.ConversationsLoaded, snapshot)
	return snapshot, nil
}

// Open makes id the active conversation, clears its unread count, tells the
// backend it was read and loads its latest history.
func (s *Store) Open(ctx context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", id, ErrNotFound)
	}
	if s.active != id {
		s.messages = nil
	}
	s.active = id
	c.UnreadCount = 0
	updated := *c
	s.mu.Unlock()

	s.bus.Emit(bus.ConversationUpdated, updated)
	s.writeConversation(updated)
	s.background("mark_read", id, func(ctx context.Context) error { return s.api.MarkRead(ctx, id) })

	if s.cache != nil {
		cached, err := s.cache.ListMessages(id, time.Time{}, s.limit)
		if err != nil {
			s.log.Warn("cache history", zap.String("conversation_id", id), zap.Error(err))
		}
		s.mergeThread(id, cached)
	}
	if err := s.refreshThread(ctx, id); err != nil {
		return s.Messages(), err
	}
	return s.Messages(), nil
}

// Close clears the active conversation.
func (s *Store) Close() {
	s.mu.Lock()
	s.active = ""
	s.messages = nil
	s.mu.Unlock()
}

func (s *Store) refreshThread(ctx context.Context, id string) error {
	page, err := s.api.GetConversation(ctx, id, s.limit)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", id, err)
	}
	s.mergeThread(id, page.Messages)
	if s.cache != nil {
		for _, m := range page.Messages {
			if err := s.cache.UpsertMessage(m); err != nil {
				s.log.Warn("cache message", zap.String("message_id", m.ID), zap.Error(err))
				break
			}
		}
	}
	return nil
}

// mergeThread merges msgs into the thread if id is still active.
func (s *Store) mergeThread(id string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	if s.active != id {
		s.mu.Unlock()
		return
	}
	for _, m := range msgs {
		s.messages = MergeMessage(s.messages, m)
		s.markSeenLocked(m.ID)
	}
	s.mu.Unlock()
	for _, m := range msgs {
		s.bus.Emit(bus.MessageUpserted, m)
	}
}

// ApplyIncomingMessage folds a channel-delivered message into the store. It
// returns false, and flags a refetch, when the conversation is unknown.
// Applying the same message twice changes nothing.
func (s *Store) ApplyIncomingMessage(msg Message) bool {
	s.mu.Lock()
	c, ok := s.convs[msg.ConversationID]
	if !ok {
		s.needsRefetch = true
		s.mu.Unlock()
		s.log.Debug("message for unknown conversation", zap.String("conversation_id", msg.ConversationID))
		s.bus.Emit(bus.ConversationRefetchNeeded, msg.ConversationID)
		return false
	}
	dup := s.markSeenLocked(msg.ID)
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = msg.Snapshot()
	}
	active := s.active == msg.ConversationID
	if active {
		s.messages = MergeMessage(s.messages, msg)
	} else if !dup && msg.SenderID != s.selfID {
		c.UnreadCount++
	}
	updated := *c
	s.mu.Unlock()

	s.writeConversation(updated)
	if s.cache != nil {
		if err := s.cache.UpsertMessage(msg); err != nil {
			s.log.Warn("cache message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	s.bus.Emit(bus.MessageUpserted, msg)
	s.bus.Emit(bus.ConversationUpdated, updated)
	return true
}

// NeedsRefetch reports whether a message arrived for an unknown conversation
// since the last load.
func (s *Store) NeedsRefetch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRefetch
}

// UpdateProposalStatus moves a pending proposal in the active thread to
// accepted or rejected.
func (s *Store) UpdateProposalStatus(messageID string, status ProposalStatus) (Message, error) {
	if status != ProposalAccepted && status != ProposalRejected {
		return Message{}, fmt.Errorf("%w: to %q", ErrInvalidProposal, status)
	}
	s.mu.Lock()
	idx := slices.IndexFunc(s.messages, func(m Message) bool { return m.ID == messageID })
	if idx < 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	m := s.messages[idx]
	if m.Proposal == nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: message %s has no proposal", ErrInvalidProposal, messageID)
	}
	if m.Proposal.Status != ProposalPending {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s to %s", ErrInvalidProposal, m.Proposal.Status, status)
	}
	p := *m.Proposal
	p.Status = status
	m.Proposal = &p
	s.messages[idx] = m
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.UpsertMessage(m); err != nil {
			s.log.Warn("cache message", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	s.bus.Emit(bus.MessageUpserted, m)
	return m, nil
}

// Reconcile re-fetches the list and, when a conversation is open, its
// history. Used after reconnect gaps.
func (s *Store) Reconcile(ctx context.Context) error {
	if _, err := s.LoadConversations(ctx); err != nil {
		return err
	}
	active := s.Active()
	if active == "" {
		return nil
	}
	return s.refreshThread(ctx, active)
}

// Conversations returns the visible list in display order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns a copy of the active thread.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Active returns the active conversation ID, or "".
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until background REST calls have finished.
func (s *Store) Wait() {
	s.bg.Wait()
}

func (s *Store) sortedLocked() []Conversation {
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	SortConversations(out)
	return out
}

// markSeenLocked records id and reports whether it was already seen.
func (s *Store) markSeenLocked(id string) bool {
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenCap {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return false
}

func (s *Store) writeConversation(c Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertConversation(c); err != nil {
		s.log.Warn("cache conversation", zap.String("conversation_id", c.ID), zap.Error(err))
	}
}

// background runs a fire-and-forget REST call detached from the caller's
// cancellation. Failures are logged and published, never rolled back.
func (s *Store) background(op, id string, fn func(ctx context.Context) error) {
	s.backgroundWithUndo(op, id, "", fn)
}

func (s *Store) backgroundWithUndo(op, id, token string, fn func(ctx context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("background call failed", zap.String("op", op), zap.String("conversation_id", id), zap.Error(err))
			s.bus.Emit(bus.ConversationMutationFailed, MutationFailure{
				Op:             op,
				ConversationID: id,
				UndoToken:      token,
				Error:          err.Error(),
			})
		}
	}()
}

// MutationFailure is published when a fire-and-forget REST call fails.
type MutationFailure struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
	UndoToken      string `json:"undoToken,omitempty"`
	Error          string `json:"error"`
}
