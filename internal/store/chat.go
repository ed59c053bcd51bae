package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// UpsertChat inserts or updates a chat record. Participants are replaced,
// not merged; use touchChatTx for the author-union behavior.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	parts, err := json.Marshal(participantsOrEmpty(c.Participants))
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO chats (id, is_group, participants, last_message_id, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_group = excluded.is_group,
			participants = excluded.participants,
			last_message_id = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.IsGroup, string(parts), c.LastMessageID, c.LastMessageAt, now, now)
	return err
}

// touchChatTx makes sure the chat row for a merged message exists, that the
// message's author is among the participants, and that last_message tracks
// the newest message. Keeps the chat/message referential invariant without
// requiring callers to pre-create chats.
func touchChatTx(tx *sql.Tx, m *Message) error {
	now := time.Now().UnixMilli()

	var partsJSON string
	var lastAt int64
	err := tx.QueryRow(`SELECT participants, last_message_at FROM chats WHERE id = ?`, m.ChatID).
		Scan(&partsJSON, &lastAt)
	if err == sql.ErrNoRows {
		parts, _ := json.Marshal([]string{m.AuthorID})
		ref := m.MsgID
		if ref == "" {
			ref = m.ClientToken
		}
		if _, err := tx.Exec(`
			INSERT INTO chats (id, is_group, participants, last_message_id, last_message_at, created_at, updated_at)
			VALUES (?, 0, ?, ?, ?, ?, ?)`,
			m.ChatID, string(parts), ref, m.SortTs, now, now); err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	var parts []string
	if err := json.Unmarshal([]byte(partsJSON), &parts); err != nil {
		parts = nil
	}
	if m.AuthorID != "" && !slices.Contains(parts, m.AuthorID) {
		parts = append(parts, m.AuthorID)
	}
	updated, _ := json.Marshal(participantsOrEmpty(parts))

	ref := m.MsgID
	if ref == "" {
		ref = m.ClientToken
	}
	if m.SortTs > lastAt {
		_, err = tx.Exec(`
			UPDATE chats SET participants = ?, last_message_id = ?, last_message_at = ?, updated_at = ?
			WHERE id = ?`, string(updated), ref, m.SortTs, now, m.ChatID)
	} else {
		_, err = tx.Exec(`UPDATE chats SET participants = ?, updated_at = ? WHERE id = ?`,
			string(updated), now, m.ChatID)
	}
	return err
}

func participantsOrEmpty(parts []string) []string {
	if parts == nil {
		return []string{}
	}
	return parts
}

// GetChat returns a single chat by id, or nil if unknown.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	var partsJSON string
	err := db.QueryRow(`
		SELECT id, is_group, participants, last_message_id, last_message_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.IsGroup, &partsJSON, &c.LastMessageID, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(partsJSON), &c.Participants)
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, is_group, participants, last_message_id, last_message_at
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
		var partsJSON string
		if err := rows.Scan(&c.ID, &c.IsGroup, &partsJSON, &c.LastMessageID, &c.LastMessageAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(partsJSON), &c.Participants)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
