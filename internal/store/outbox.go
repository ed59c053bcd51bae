package store

import (
	"fmt"
	"time"
)

// CreatePending atomically appends an optimistic pending message and its
// outbox entry. Both succeed or both fail: no orphaned queue entries and no
// pending messages the drain loop does not know about.
func (db *DB) CreatePending(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m.DeliveryState = StatePending
	if m.LocalCreatedAt == 0 {
		m.LocalCreatedAt = time.Now().UnixMilli()
	}
	if _, err := mergeTx(tx, m); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO outbox (client_token, chat_id, attempt_count, next_retry_at, status, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?, ?)`,
		m.ClientToken, m.ChatID, OutboxQueued, now, now); err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}

	return tx.Commit()
}

// DueOutbox returns queued entries whose next_retry_at has passed, joined
// with the pending message content they will send, oldest first.
func (db *DB) DueOutbox(now int64) ([]OutboxItem, error) {
	rows, err := db.Query(`
		SELECT o.client_token, o.chat_id, o.attempt_count, o.next_retry_at, o.status, o.last_error,
			m.author_id, m.kind, m.payload
		FROM outbox o
		JOIN messages m ON m.chat_id = o.chat_id AND m.client_token = o.client_token
		WHERE o.status = ? AND o.next_retry_at <= ?
		ORDER BY o.created_at ASC`, OutboxQueued, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		if err := rows.Scan(&it.ClientToken, &it.ChatID, &it.AttemptCount, &it.NextRetryAt,
			&it.Status, &it.LastError, &it.AuthorID, &it.Kind, &it.Payload); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RecoverInFlight returns entries claimed by a drain loop that never
// reported back to the queue. They go straight back to queued and become
// due immediately: whether the interrupted attempt reached the server or
// not, the idempotency token makes the re-send converge on one message.
// Returns how many entries were recovered.
func (db *DB) RecoverInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, next_retry_at = 0, updated_at = ?
		WHERE status = ?`,
		OutboxQueued, now, OutboxInFlight)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetOutbox returns one outbox entry by token, or nil.
func (db *DB) GetOutbox(token string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_token, chat_id, attempt_count, next_retry_at, status, last_error
		FROM outbox WHERE client_token = ?`, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ClientToken, &e.ChatID, &e.AttemptCount, &e.NextRetryAt, &e.Status, &e.LastError); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkOutboxInFlight claims an entry for one delivery attempt.
func (db *DB) MarkOutboxInFlight(token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE client_token = ?`,
		OutboxInFlight, now, token)
	return err
}

// RecordOutboxRetry puts an entry back in the queue after a transient
// failure, with the attempt count bumped and the next attempt scheduled.
func (db *DB) RecordOutboxRetry(token string, attempts int, nextRetryAt int64, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, attempt_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE client_token = ?`,
		OutboxQueued, attempts, nextRetryAt, lastError, now, token)
	return err
}

// MarkOutboxPermanent marks an entry failed for good. The drain loop will
// never pick it up again; only an explicit RequeueOutbox revives it.
func (db *DB) MarkOutboxPermanent(token string, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, last_error = ?, updated_at = ?
		WHERE client_token = ?`,
		OutboxFailed, lastError, now, token)
	return err
}

// DeleteOutbox removes an entry once the message is confirmed.
func (db *DB) DeleteOutbox(token string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_token = ?`, token)
	return err
}

// RequeueOutbox revives a permanently failed entry with a fresh attempt
// counter and flips the message back to pending, in one transaction. This
// backs the manual retry affordance.
func (db *DB) RequeueOutbox(token string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		UPDATE outbox SET status = ?, attempt_count = 0, next_retry_at = 0, last_error = '', updated_at = ?
		WHERE client_token = ? AND status = ?`,
		OutboxQueued, now, token, OutboxFailed)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("outbox entry %s not found or not failed", token)
	}
	if _, err := tx.Exec(`
		UPDATE messages SET delivery_state = ? WHERE client_token = ? AND delivery_state = ?`,
		StatePending, token, StateFailed); err != nil {
		return err
	}
	return tx.Commit()
}
