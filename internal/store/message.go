package store

import (
	"database/sql"
	"time"
)

// InsertPending appends an optimistic local message keyed by its temp id.
func (db *DB) InsertPending(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, temp_id, sender, body, attachment, msg_type, from_me, pending, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 1, ?, ?, ?)`,
		m.ChatID, m.TempID, m.Sender, m.Body, m.Attachment, m.MsgType, StatusSending, m.Timestamp, now)
	return err
}

// ConfirmPending replaces a pending record in place: same row, permanent id
// and server metadata adopted, pending cleared. Returns false when no
// pending record matches the temp id.
func (db *DB) ConfirmPending(chatID, tempID, msgID string, timestamp int64, attachment string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages
		SET msg_id = ?, timestamp = ?, attachment = ?, pending = 0, is_delivered = 1, status = ?
		WHERE chat_id = ? AND temp_id = ? AND pending = 1`,
		msgID, timestamp, attachment, StatusSent, chatID, tempID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertServerMessage inserts or updates a server-originated message
// (idempotent on chat_id + msg_id). A duplicate confirmation therefore
// updates the already-confirmed row instead of appending a second record.
func (db *DB) UpsertServerMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender, body, attachment, msg_type, from_me, pending, is_read, is_delivered, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 1, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) WHERE msg_id != '' DO UPDATE SET
			body = excluded.body,
			attachment = excluded.attachment,
			status = excluded.status`,
		m.ChatID, m.MsgID, m.Sender, m.Body, m.Attachment, m.MsgType, m.FromMe, m.IsRead, m.Status, m.Timestamp, now)
	return err
}

// ApplyEdit patches a message body by permanent id and flags it edited.
// Returns false when the message is not cached locally.
func (db *DB) ApplyEdit(chatID, msgID, body string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET body = ?, is_edited = 1
		WHERE chat_id = ? AND msg_id = ?`,
		body, chatID, msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessage removes a message by permanent id.
func (db *DB) DeleteMessage(chatID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return err
}

// MarkRead flips is_read for a message. Idempotent.
func (db *DB) MarkRead(msgID string) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE msg_id = ?`, msgID)
	return err
}

// UnreadForeign returns unread messages in a chat authored by others,
// oldest first. Used by the mark-as-read sweep.
func (db *DB) UnreadForeign(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND is_read = 0 AND from_me = 0 AND msg_id != ''
		ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessages returns a chat's sequence in insertion order using keyset
// pagination on seq.
func (db *DB) ListMessages(chatID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, chatID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// FailStalePending marks pending messages older than cutoff as failed and
// returns how many were affected.
func (db *DB) FailStalePending(cutoff int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET pending = 0, status = ?
		WHERE pending = 1 AND timestamp < ?`,
		StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const messageColumns = `seq, chat_id, msg_id, temp_id, sender, body, attachment, msg_type, from_me, pending, is_read, is_edited, is_delivered, status, timestamp`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.ChatID, &m.MsgID, &m.TempID, &m.Sender, &m.Body, &m.Attachment,
			&m.MsgType, &m.FromMe, &m.Pending, &m.IsRead, &m.IsEdited, &m.IsDelivered, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
