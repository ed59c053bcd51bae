package store

import (
	"database/sql"
	"time"
)

// UpsertReceipt records a participant's last-read position. Monotonic:
// an older receipt arriving late (a slow response racing a newer one)
// never rewinds the stored position.
func (db *DB) UpsertReceipt(r *Receipt) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO receipts (chat_id, user_id, last_read_msg_id, last_read_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			last_read_msg_id = excluded.last_read_msg_id,
			last_read_at = excluded.last_read_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_read_at > receipts.last_read_at`,
		r.ChatID, r.UserID, r.LastReadMsgID, r.LastReadAt, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetReceipt returns a participant's receipt, or nil if none recorded.
func (db *DB) GetReceipt(chatID, userID string) (*Receipt, error) {
	var r Receipt
	err := db.QueryRow(`
		SELECT chat_id, user_id, last_read_msg_id, last_read_at
		FROM receipts WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		Scan(&r.ChatID, &r.UserID, &r.LastReadMsgID, &r.LastReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UnreadCount derives the number of messages in a chat newer than the
// user's last-read position and authored by someone else. Never stored;
// always computed from the log.
func (db *DB) UnreadCount(chatID, userID string) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND author_id != ? AND created_at >
			COALESCE((SELECT last_read_at FROM receipts WHERE chat_id = ? AND user_id = ?), 0)`,
		chatID, userID, chatID, userID).Scan(&count)
	return count, err
}
