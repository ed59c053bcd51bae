package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MergeResult describes what a merge did to the log.
type MergeResult struct {
	Inserted bool // a new row was appended (no token/id match)
	Message  Message
}

// MergeMessage folds one incoming message into the log. This is the
// duplicate-prevention core: identity is resolved by client_token first
// (an optimistic send becoming confirmed), then by server msg_id (another
// participant's message, or our own redelivered after reconnect). A match
// updates the existing row in place; otherwise a new row is appended.
// Delivery state only ever moves forward.
func (db *DB) MergeMessage(m *Message) (*MergeResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := mergeTx(tx, m)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return res, nil
}

// MergeTombstone folds a remote deletion into the log. The row keeps its
// identity and position but its content is purged: mergeTx's treat-empty-
// as-absent rule would retain the deleted payload, so the purge is forced
// here. A deletion for a message never merged locally inserts the
// tombstone row, holding its place in the order.
func (db *DB) MergeTombstone(m *Message) (*MergeResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t := *m
	t.Kind = "deleted"
	t.Payload = ""
	res, err := mergeTx(tx, &t)
	if err != nil {
		return nil, err
	}
	if res.Message.Kind != "deleted" || res.Message.Payload != "" {
		if _, err := tx.Exec(`UPDATE messages SET kind = 'deleted', payload = '' WHERE id = ?`,
			res.Message.ID); err != nil {
			return nil, fmt.Errorf("purge deleted message: %w", err)
		}
		res.Message.Kind = "deleted"
		res.Message.Payload = ""
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tombstone: %w", err)
	}
	return res, nil
}

// MergeBatch folds a backfill page into the log in a single transaction.
func (db *DB) MergeBatch(msgs []*Message) ([]MergeResult, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]MergeResult, 0, len(msgs))
	for _, m := range msgs {
		res, err := mergeTx(tx, m)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return results, nil
}

func mergeTx(tx *sql.Tx, m *Message) (*MergeResult, error) {
	existing, err := findTx(tx, m.ChatID, m.ClientToken, m.MsgID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		merged := *m
		if merged.DeliveryState == "" {
			merged.DeliveryState = StatePending
		}
		if merged.LocalCreatedAt == 0 {
			merged.LocalCreatedAt = time.Now().UnixMilli()
		}
		merged.SortTs = sortTs(merged.CreatedAt, merged.LocalCreatedAt)

		result, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_id, client_token, author_id, kind, payload,
				created_at, local_created_at, sort_ts, delivery_state, row_created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.ChatID, merged.MsgID, merged.ClientToken, merged.AuthorID, merged.Kind,
			merged.Payload, merged.CreatedAt, merged.LocalCreatedAt, merged.SortTs,
			merged.DeliveryState, time.Now().UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		merged.ID, _ = result.LastInsertId()

		if err := touchChatTx(tx, &merged); err != nil {
			return nil, err
		}
		return &MergeResult{Inserted: true, Message: merged}, nil
	}

	merged := *existing
	if m.MsgID != "" {
		merged.MsgID = m.MsgID
	}
	if m.ClientToken != "" {
		merged.ClientToken = m.ClientToken
	}
	if m.CreatedAt > 0 {
		merged.CreatedAt = m.CreatedAt
	}
	if m.Kind != "" {
		merged.Kind = m.Kind
	}
	if m.Payload != "" {
		merged.Payload = m.Payload
	}
	if m.DeliveryState.rank() > merged.DeliveryState.rank() {
		merged.DeliveryState = m.DeliveryState
	}
	merged.SortTs = sortTs(merged.CreatedAt, merged.LocalCreatedAt)

	if _, err := tx.Exec(`
		UPDATE messages SET msg_id = ?, client_token = ?, created_at = ?, kind = ?,
			payload = ?, delivery_state = ?, sort_ts = ?
		WHERE id = ?`,
		merged.MsgID, merged.ClientToken, merged.CreatedAt, merged.Kind,
		merged.Payload, merged.DeliveryState, merged.SortTs, merged.ID); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if err := touchChatTx(tx, &merged); err != nil {
		return nil, err
	}
	return &MergeResult{Inserted: false, Message: merged}, nil
}

func sortTs(createdAt, localCreatedAt int64) int64 {
	if createdAt > 0 {
		return createdAt
	}
	return localCreatedAt
}

func findTx(tx *sql.Tx, chatID, token, msgID string) (*Message, error) {
	if token != "" {
		m, err := scanOneTx(tx, `chat_id = ? AND client_token = ?`, chatID, token)
		if err != nil || m != nil {
			return m, err
		}
	}
	if msgID != "" {
		return scanOneTx(tx, `chat_id = ? AND msg_id = ?`, chatID, msgID)
	}
	return nil, nil
}

const messageCols = `id, chat_id, msg_id, client_token, author_id, kind, payload,
	created_at, local_created_at, sort_ts, delivery_state`

func scanOneTx(tx *sql.Tx, where string, args ...any) (*Message, error) {
	row := tx.QueryRow(`SELECT `+messageCols+` FROM messages WHERE `+where, args...)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.ClientToken, &m.AuthorID, &m.Kind,
		&m.Payload, &m.CreatedAt, &m.LocalCreatedAt, &m.SortTs, &m.DeliveryState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByToken returns the message with the given client token, or nil.
func (db *DB) GetByToken(chatID, token string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE chat_id = ? AND client_token = ?`, chatID, token)
	return scanMessage(row)
}

// GetByMsgID returns the message with the given server id, or nil.
func (db *DB) GetByMsgID(chatID, msgID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return scanMessage(row)
}

// ListMessages returns messages strictly older than the cursor, newest
// first, using keyset pagination by (sort_ts, msg_id). A zero cursor
// starts from the newest message.
func (db *DB) ListMessages(chatID string, before Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	where := `chat_id = ?`
	args := []any{chatID}
	if before.SortTs > 0 {
		where += ` AND (sort_ts < ? OR (sort_ts = ? AND msg_id < ?))`
		args = append(args, before.SortTs, before.SortTs, before.MsgID)
	}
	args = append(args, limit)
	rows, err := db.Query(`
		SELECT `+messageCols+`
		FROM messages
		WHERE `+where+`
		ORDER BY sort_ts DESC, msg_id DESC, client_token DESC
		LIMIT ?`, args...)
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

// Snapshot returns the newest limit messages in ascending log order, the
// shape the UI renders.
func (db *DB) Snapshot(chatID string, limit int) ([]Message, error) {
	msgs, err := db.ListMessages(chatID, Cursor{}, limit)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending (sort_ts, msg_id, client_token) order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastConfirmed returns the (created_at, msg_id) of the newest confirmed
// message in a chat; zero values if none. This is the catch-up checkpoint.
func (db *DB) LastConfirmed(chatID string) (int64, string, error) {
	var createdAt int64
	var msgID string
	err := db.QueryRow(`
		SELECT created_at, msg_id FROM messages
		WHERE chat_id = ? AND created_at > 0
		ORDER BY created_at DESC, msg_id DESC LIMIT 1`, chatID).Scan(&createdAt, &msgID)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return createdAt, msgID, nil
}

// OldestConfirmed returns the (created_at, msg_id) of the oldest confirmed
// message in a chat; zero values if none. This is the older-history cursor.
func (db *DB) OldestConfirmed(chatID string) (int64, string, error) {
	var createdAt int64
	var msgID string
	err := db.QueryRow(`
		SELECT created_at, msg_id FROM messages
		WHERE chat_id = ? AND created_at > 0
		ORDER BY created_at ASC, msg_id ASC LIMIT 1`, chatID).Scan(&createdAt, &msgID)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return createdAt, msgID, nil
}

// MarkFailed moves a still-pending message to failed. Confirmed messages
// are left untouched: a send that reached the server cannot fail afterwards.
func (db *DB) MarkFailed(chatID, token string) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery_state = ?
		WHERE chat_id = ? AND client_token = ? AND delivery_state = ?`,
		StateFailed, chatID, token, StatePending)
	return err
}

// AdvanceDeliveryUpTo upgrades the delivery state of an author's confirmed
// messages with created_at <= upTo. Used when a participant's read receipt
// advances: our sent/delivered messages up to that point become read.
// Pending and failed rows are never touched.
func (db *DB) AdvanceDeliveryUpTo(chatID, authorID string, upTo int64, state DeliveryState) error {
	var below []any
	for _, s := range []DeliveryState{StateSent, StateDelivered} {
		if s.rank() < state.rank() {
			below = append(below, s)
		}
	}
	if len(below) == 0 {
		return nil
	}
	query := `UPDATE messages SET delivery_state = ?
		WHERE chat_id = ? AND author_id = ? AND created_at > 0 AND created_at <= ?
		AND delivery_state IN (?` + repeat(",?", len(below)-1) + `)`
	args := append([]any{state, chatID, authorID, upTo}, below...)
	_, err := db.Exec(query, args...)
	return err
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
