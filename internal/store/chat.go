package store

import (
	"database/sql"
	"time"

	"tgterm/internal/event"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	var lastMsgID any
	if c.LastMessageID != nil {
		lastMsgID = int64(*c.LastMessageID)
	}
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, title, last_message_id, last_message_at, unread_count, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			last_message_id = COALESCE(excluded.last_message_id, chats.last_message_id),
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			unread_count = chats.unread_count,
			last_synced_at = MAX(chats.last_synced_at, excluded.last_synced_at),
			updated_at = excluded.updated_at`,
		int64(c.ChatID), c.Title, lastMsgID, c.LastMessageAt, c.UnreadCount, c.LastSyncedAt, now)
	return err
}

// GetChat returns a single chat, or nil when unknown.
func (db *DB) GetChat(chatID event.ChatID) (*Chat, error) {
	var c Chat
	var lastMsgID sql.NullInt64
	err := db.QueryRow(`
		SELECT chat_id, title, last_message_id, last_message_at, unread_count, last_synced_at
		FROM chats WHERE chat_id = ?`, int64(chatID)).
		Scan(&c.ChatID, &c.Title, &lastMsgID, &c.LastMessageAt, &c.UnreadCount, &c.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastMsgID.Valid {
		id := event.MessageID(lastMsgID.Int64)
		c.LastMessageID = &id
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, title, last_message_id, last_message_at, unread_count, last_synced_at
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var lastMsgID sql.NullInt64
		if err := rows.Scan(&c.ChatID, &c.Title, &lastMsgID, &c.LastMessageAt, &c.UnreadCount, &c.LastSyncedAt); err != nil {
			return nil, err
		}
		if lastMsgID.Valid {
			id := event.MessageID(lastMsgID.Int64)
			c.LastMessageID = &id
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// BumpChatActivity records a newly seen message on the chat row, keeping the
// newest last-message metadata. incoming increments the unread counter.
func (db *DB) BumpChatActivity(chatID event.ChatID, messageID event.MessageID, at int64, incoming bool) error {
	now := time.Now().UnixMilli()
	unread := 0
	if incoming {
		unread = 1
	}
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, last_message_id, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_id = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			unread_count = chats.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at`,
		int64(chatID), int64(messageID), at, unread, now)
	return err
}

// MarkChatRead clears the unread counter and advances the read watermark.
// A no-op for unknown chats.
func (db *DB) MarkChatRead(chatID event.ChatID, at int64) error {
	_, err := db.Exec(`
		UPDATE chats
		SET unread_count = 0,
			last_synced_at = MAX(last_synced_at, ?),
			updated_at = ?
		WHERE chat_id = ?`,
		at, time.Now().UnixMilli(), int64(chatID))
	return err
}
