// Package remote defines the contract with the persistence/realtime
// collaborator: durable message writes, history pages, the per-chat
// change-feed and the ephemeral typing/presence/receipt broadcast.
// The engine never talks to a concrete backend directly.
package remote

import (
	"context"
	"errors"
	"time"
)

// Message is the wire form of a chat message.
type Message struct {
	ID          string // server-assigned, stable once confirmed
	ClientToken string // client idempotency key; empty only for legacy rows
	ChatID      string
	AuthorID    string
	Kind        string // text, image, audio, system, poll, ...
	Payload     string // kind-specific content, JSON-encoded
	CreatedAt   int64  // server timestamp in unix millis
}

// Ack is the result of a confirmed write.
type Ack struct {
	ID        string
	CreatedAt int64
}

// Cursor is a keyset position in a chat's history, ordered by
// (created_at, id).
type Cursor struct {
	CreatedAt int64
	ID        string
}

// Zero reports whether the cursor points nowhere (start from the newest).
func (c Cursor) Zero() bool { return c.CreatedAt == 0 && c.ID == "" }

// EventKind enumerates normalized change-feed events.
type EventKind string

const (
	MessageCreated  EventKind = "message_created"
	MessageUpdated  EventKind = "message_updated"
	MessageDeleted  EventKind = "message_deleted"
	TypingChanged   EventKind = "typing_changed"
	PresenceChanged EventKind = "presence_changed"
	ReceiptChanged  EventKind = "receipt_changed"
)

// Event is a single normalized change-feed item. Message is set for the
// message_* kinds; UserID/Value carry the ephemeral kinds (Value holds the
// last-read message id for receipt_changed).
type Event struct {
	Kind    EventKind
	ChatID  string
	Message *Message
	UserID  string
	Value   string
	TTL     time.Duration
}

// EphemeralKind enumerates signals sent through UpsertEphemeral.
type EphemeralKind string

const (
	EphemeralTyping   EphemeralKind = "typing"
	EphemeralPresence EphemeralKind = "presence"
	EphemeralReceipt  EphemeralKind = "receipt"
)

// Store is the remote collaborator consumed by the sync engine.
type Store interface {
	// Insert writes a message. It must be idempotent on ClientToken:
	// replaying a token returns the ack of the original write.
	Insert(ctx context.Context, m Message) (Ack, error)

	// Fetch returns up to limit messages strictly older than the cursor,
	// ordered by (created_at, id) descending. A zero cursor starts from
	// the newest message.
	Fetch(ctx context.Context, chatID string, before Cursor, limit int) ([]Message, error)

	// Subscribe opens the change-feed for one chat, resumable from the
	// given cursor. The returned channel is closed on transport loss;
	// the caller is expected to back off, catch up and resubscribe.
	Subscribe(ctx context.Context, chatID string, since Cursor) (<-chan Event, error)

	// UpsertEphemeral broadcasts a typing/presence/receipt signal.
	// Best effort: losses self-heal via TTL expiry on the receivers.
	UpsertEphemeral(ctx context.Context, kind EphemeralKind, chatID, userID, value string, ttl time.Duration) error
}

// Error is a classified remote failure.
type Error struct {
	Code      string // validation, blocked, permission, unavailable, timeout
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return "remote: " + e.Code + ": " + e.Message
}

// Convenience constructors for the common rejection classes.

func ErrValidation(msg string) *Error {
	return &Error{Code: "validation", Message: msg, Retryable: false}
}

func ErrBlocked(msg string) *Error {
	return &Error{Code: "blocked", Message: msg, Retryable: false}
}

func ErrPermission(msg string) *Error {
	return &Error{Code: "permission", Message: msg, Retryable: false}
}

func ErrUnavailable(msg string) *Error {
	return &Error{Code: "unavailable", Message: msg, Retryable: true}
}

// IsRetryable classifies an error from a Store call. Explicitly classified
// errors carry their own flag; anything else (timeouts, connection resets,
// deadline exceeded) is treated as a transient network failure.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}
