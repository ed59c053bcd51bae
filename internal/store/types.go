package store

// DeliveryState tracks a message's progress through the send pipeline.
type DeliveryState string

// StateDelivered is only reached on backends that report per-device
// delivery separately from reads. The built-in feed reports reads only,
// so messages there go straight from sent to read; the rank ordering and
// AdvanceDeliveryUpTo handle either shape.
const (
	StatePending   DeliveryState = "pending"
	StateFailed    DeliveryState = "failed"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// rank orders delivery states for the monotonic-upgrade guard: a merge may
// never demote a message, so a confirmed message can't flicker back to
// pending after a reconnect echo. Failed outranks only pending, since a
// send that already reached the server is not retroactively failed.
func (s DeliveryState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateFailed:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	case StateRead:
		return 4
	}
	return 0
}

// Confirmed reports whether the state implies a server-acknowledged write.
func (s DeliveryState) Confirmed() bool { return s.rank() >= StateSent.rank() }

// Message is a row of the local message log. MsgID and CreatedAt are empty
// until the remote store confirms the write; SortTs is CreatedAt once
// confirmed, LocalCreatedAt before that.
type Message struct {
	ID             int64
	ChatID         string
	MsgID          string
	ClientToken    string
	AuthorID       string
	Kind           string
	Payload        string
	CreatedAt      int64
	LocalCreatedAt int64
	SortTs         int64
	DeliveryState  DeliveryState
}

// Chat is a conversation the log knows about.
type Chat struct {
	ID            string
	IsGroup       bool
	Participants  []string
	LastMessageID string
	LastMessageAt int64
}

// OutboxEntry tracks one not-yet-confirmed send.
type OutboxEntry struct {
	ClientToken  string
	ChatID       string
	AttemptCount int
	NextRetryAt  int64
	Status       string // queued, in_flight, failed
	LastError    string
}

// Outbox entry statuses.
const (
	OutboxQueued   = "queued"
	OutboxInFlight = "in_flight"
	OutboxFailed   = "failed" // permanent, no further attempts
)

// OutboxItem joins an outbox entry with the pending message it will send.
type OutboxItem struct {
	OutboxEntry
	AuthorID string
	Kind     string
	Payload  string
}

// Receipt is the last-read position of one participant in one chat.
type Receipt struct {
	ChatID        string
	UserID        string
	LastReadMsgID string
	LastReadAt    int64
}

// Cursor is a keyset position in the ordered log, by (sort_ts, msg_id).
type Cursor struct {
	SortTs int64
	MsgID  string
}
