package store

import (
	"time"

	"github.com/matheus3301/convo/internal/model"
)

// UpsertMessage inserts or updates a message (idempotent on id).
func (db *DB) UpsertMessage(m model.Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(x execer, m model.Message) error {
	var propID, propStatus string
	if m.Proposal != nil {
		propID, propStatus = m.Proposal.ID, string(m.Proposal.Status)
	}
	_, err := x.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, text, image_url, is_audio, system,
			pending, proposal_id, proposal_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			image_url = excluded.image_url,
			pending = excluded.pending,
			proposal_id = excluded.proposal_id,
			proposal_status = excluded.proposal_status`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.ImageURL, boolInt(m.IsAudio), boolInt(m.System),
		boolInt(m.Pending), propID, propStatus, m.CreatedAt.UnixMilli())
	return err
}

// ConfirmMessage replaces the pending placeholder pendingID with the
// server-confirmed message m. When the channel echo already stored m the
// placeholder is simply dropped.
func (db *DB) ConfirmMessage(pendingID string, m model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND pending = 1`, pendingID); err != nil {
		return err
	}
	m.Pending = false
	if err := upsertMessage(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessage removes a single message, used for failed placeholders.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

const messageColumns = `id, conversation_id, sender_id, text, image_url, is_audio, system, pending,
	proposal_id, proposal_status, created_at`

// ListMessages returns up to limit messages of a conversation older than
// before (keyset pagination on created_at), oldest first. A zero before
// means "newest".
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := time.Now().Add(time.Minute).UnixMilli()
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(s scanner, extra ...any) (model.Message, error) {
	var (
		m                        model.Message
		isAudio, system, pending int
		propID, propStatus       string
		createdAt                int64
	)
	dest := []any{&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.ImageURL, &isAudio, &system,
		&pending, &propID, &propStatus, &createdAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return m, err
	}
	m.IsAudio = isAudio != 0
	m.System = system != 0
	m.Pending = pending != 0
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	if propID != "" {
		m.Proposal = &model.Proposal{ID: propID, Status: model.ProposalStatus(propStatus)}
	}
	return m, nil
}
