package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Checkpoint keys kept in sync_state.
const (
	KeyLastConnectedAt  = "last_connected_at"
	KeyLastReconciledAt = "last_reconciled_at"

	// KeyUserID records whose data the cache holds.
	KeyUserID = "user_id"
)

// SetState stores a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// State returns a sync_state value and whether it was set.
func (db *DB) State(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetCheckpoint stores a timestamp under key.
func (db *DB) SetCheckpoint(key string, t time.Time) error {
	return db.SetState(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// Checkpoint returns the timestamp stored under key, or the zero time.
func (db *DB) Checkpoint(key string) (time.Time, error) {
	v, ok, err := db.State(key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Purge empties the cache. The FTS triggers drop the search index rows with
// the messages.
func (db *DB) Purge() error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "conversations", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// AdoptUser makes userID the owner of the cache, purging it first when it
// holds another user's data. It reports whether a purge happened.
func (db *DB) AdoptUser(userID string) (bool, error) {
	owner, ok, err := db.State(KeyUserID)
	if err != nil {
		return false, err
	}
	if ok && owner == userID {
		return false, nil
	}
	purged := false
	if ok {
		if err := db.Purge(); err != nil {
			return false, err
		}
		purged = true
	}
	if err := db.SetState(KeyUserID, userID); err != nil {
		return purged, err
	}
	return purged, nil
}
