package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "message." receives every message kind.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindOutboxQueued      = "outbox.queued"
	KindOutboxRetry       = "outbox.retry"
	KindReceiptUpdated    = "receipt.updated"
	KindPresenceChanged   = "presence.changed"
	KindNotifyMessage     = "notify.message"
	KindFeedConnected     = "feed.connected"
	KindFeedDisconnected  = "feed.disconnected"
	KindStatusChanged     = "engine.status_changed"
)

// MessageRef identifies a message within a chat; payload for message.* events.
type MessageRef struct {
	ChatID      string
	MsgID       string
	ClientToken string
}

// NewMessage is the payload for notify.message events, consumed by the
// push-notification sink. Emitted only for confirmed messages authored by
// someone other than the local user.
type NewMessage struct {
	ChatID   string
	MsgID    string
	AuthorID string
}
