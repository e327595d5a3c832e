package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO chats (id, name, is_group, session_id, peer_public_key, participants, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			session_id = excluded.session_id,
			peer_public_key = excluded.peer_public_key,
			participants = excluded.participants,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, c.SessionID, c.PeerPublicKey, string(participants), now)
	return err
}

// GetChat returns a single chat by id, or nil when absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	var participants string
	err := db.QueryRow(`
		SELECT id, name, is_group, session_id, peer_public_key, participants
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.SessionID, &c.PeerPublicKey, &participants)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats ordered by most recent activity.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, name, is_group, session_id, peer_public_key, participants
		FROM chats
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var participants string
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.SessionID, &c.PeerPublicKey, &participants); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat and its message sequence.
func (db *DB) DeleteChat(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// PeerKeyForSession returns the peer public key of the direct chat bound to
// the given session, or "" when no direct chat uses it. Satisfies the
// keyring's peer directory.
func (db *DB) PeerKeyForSession(sessionID string) (string, error) {
	var key string
	err := db.QueryRow(`
		SELECT peer_public_key FROM chats
		WHERE session_id = ? AND is_group = 0`, sessionID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// TouchChat bumps a chat's activity timestamp, creating a stub row if the
// chat is not yet known locally.
func (db *DB) TouchChat(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, now)
	return err
}
