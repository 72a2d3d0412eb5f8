package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/model"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c model.Conversation) error {
	return upsertConversation(db.DB, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertConversation(x execer, c model.Conversation) error {
	parts, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var last model.MessageSnapshot
	if c.LastMessage != nil {
		last = *c.LastMessage
	}
	_, err = x.Exec(`
		INSERT INTO conversations (id, participants, last_message_id, last_message, last_sender_id,
			last_message_type, last_message_at, unread_count, pinned, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			last_message_id = excluded.last_message_id,
			last_message = excluded.last_message,
			last_sender_id = excluded.last_sender_id,
			last_message_type = excluded.last_message_type,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			pinned = excluded.pinned,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		c.ID, string(parts), last.ID, last.Text, last.SenderID, last.Type, unixMilli(last.CreatedAt),
		c.UnreadCount, boolInt(c.Pinned), boolInt(c.Archived), time.Now().UnixMilli())
	return err
}

// ReplaceConversations swaps the cached list for convs in one transaction.
// Messages of conversations that are no longer listed go with them.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	for _, c := range convs {
		if err := upsertConversation(tx, c); err != nil {
			return fmt.Errorf("conversation %s: %w", c.ID, err)
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE conversation_id NOT IN (SELECT id FROM conversations)`); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const conversationColumns = `id, participants, last_message_id, last_message, last_sender_id,
	last_message_type, last_message_at, unread_count, pinned, archived`

// ListConversations returns the cached conversations, pinned first and then by
// last message time descending.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + ` FROM conversations
		ORDER BY pinned DESC, last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil when it is not cached.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var (
		c        model.Conversation
		parts    string
		last     model.MessageSnapshot
		lastAt   int64
		pinned   int
		archived int
	)
	if err := s.Scan(&c.ID, &parts, &last.ID, &last.Text, &last.SenderID, &last.Type, &lastAt,
		&c.UnreadCount, &pinned, &archived); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
		return c, fmt.Errorf("decode participants of %s: %w", c.ID, err)
	}
	if last.ID != "" {
		last.CreatedAt = fromMilli(lastAt)
		c.LastMessage = &last
	}
	c.Pinned = pinned != 0
	c.Archived = archived != 0
	return c, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
