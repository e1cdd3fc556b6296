package store

import (
	"database/sql"
	"time"

	"tgterm/internal/event"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + message_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	var senderID any
	if m.SenderID != nil {
		senderID = int64(*m.SenderID)
	}
	var editTS any
	if m.EditTimestamp != nil {
		editTS = *m.EditTimestamp
	}
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, message_id, sender_id, text, timestamp, timestamp_source, edit_timestamp, outgoing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			sender_id = COALESCE(excluded.sender_id, messages.sender_id),
			text = excluded.text,
			edit_timestamp = COALESCE(excluded.edit_timestamp, messages.edit_timestamp),
			outgoing = excluded.outgoing`,
		int64(m.ChatID), int64(m.MessageID), senderID, m.Text, m.Timestamp, m.TimestampSource, editTS, m.Outgoing, now)
	return err
}

// ApplyEdit rewrites the text of a cached message and records the edit time.
// Editing a message not in the cache inserts it, so late joins stay consistent.
func (db *DB) ApplyEdit(chatID event.ChatID, messageID event.MessageID, text string, editedAt int64, source string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, message_id, text, timestamp, timestamp_source, edit_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			text = excluded.text,
			edit_timestamp = excluded.edit_timestamp`,
		int64(chatID), int64(messageID), text, editedAt, source, editedAt, now)
	return err
}

// GetMessage returns a single cached message, or nil when absent.
func (db *DB) GetMessage(chatID event.ChatID, messageID event.MessageID) (*Message, error) {
	row := db.QueryRow(`
		SELECT chat_id, message_id, sender_id, text, timestamp, timestamp_source, edit_timestamp, outgoing
		FROM messages WHERE chat_id = ? AND message_id = ?`,
		int64(chatID), int64(messageID))
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecentMessages returns the newest messages for a chat, newest first.
func (db *DB) RecentMessages(chatID event.ChatID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, message_id, sender_id, text, timestamp, timestamp_source, edit_timestamp, outgoing
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, message_id DESC
		LIMIT ?`, int64(chatID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message from the cache.
func (db *DB) DeleteMessage(chatID event.ChatID, messageID event.MessageID) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND message_id = ?`,
		int64(chatID), int64(messageID))
	return err
}

// PruneMessages evicts the oldest-by-timestamp messages of a chat beyond
// keep. This bounds the cache footprint; it is unrelated to event bus
// bounding, which is about delivery freshness.
func (db *DB) PruneMessages(chatID event.ChatID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := db.Exec(`
		DELETE FROM messages
		WHERE chat_id = ? AND message_id NOT IN (
			SELECT message_id FROM messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)`, int64(chatID), int64(chatID), keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var senderID sql.NullInt64
	var editTS sql.NullInt64
	if err := row.Scan(&m.ChatID, &m.MessageID, &senderID, &m.Text, &m.Timestamp, &m.TimestampSource, &editTS, &m.Outgoing); err != nil {
		return nil, err
	}
	if senderID.Valid {
		id := event.UserID(senderID.Int64)
		m.SenderID = &id
	}
	if editTS.Valid {
		ts := editTS.Int64
		m.EditTimestamp = &ts
	}
	return &m, nil
}
