// Package receipt manages read positions: the local user's, broadcast to
// other participants, and theirs, folded into the log so our own messages
// advance to read. A receipt is a position marker, not a per-message flag.
package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Update is the payload for receipt.updated events.
type Update struct {
	ChatID        string
	UserID        string
	LastReadMsgID string
}

// Manager owns the receipts table and the receipt side of the change-feed.
type Manager struct {
	db     *store.DB
	remote remote.Store
	rec    *chatsync.Reconciler
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
}

// NewManager creates a receipt manager.
func NewManager(db *store.DB, rs remote.Store, rec *chatsync.Reconciler, b *bus.Bus, selfID string, logger *zap.Logger) *Manager {
	return &Manager{db: db, remote: rs, rec: rec, bus: b, logger: logger, selfID: selfID}
}

// MarkRead advances the local user's read position to a message and
// broadcasts it. Monotonic: marking an older message read after a newer
// one is a no-op, so nothing is broadcast either.
func (m *Manager) MarkRead(ctx context.Context, chatID, msgID string) error {
	msg, err := m.db.GetByMsgID(chatID, msgID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("mark read: unknown message %s in chat %s", msgID, chatID)
	}

	updated, err := m.db.UpsertReceipt(&store.Receipt{
		ChatID:        chatID,
		UserID:        m.selfID,
		LastReadMsgID: msgID,
		LastReadAt:    msg.CreatedAt,
	})
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	m.publish(Update{ChatID: chatID, UserID: m.selfID, LastReadMsgID: msgID})

	// Best effort: a lost broadcast only delays the sender's checkmark
	// until our next receipt for the chat.
	if err := m.remote.UpsertEphemeral(ctx, remote.EphemeralReceipt, chatID, m.selfID, msgID, 0); err != nil {
		if m.logger != nil {
			m.logger.Warn("receipt broadcast failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return nil
}

// ApplyRemote folds another participant's receipt into the receipts table
// and advances our own messages at or before that position to read.
func (m *Manager) ApplyRemote(evt remote.Event) {
	if evt.Kind != remote.ReceiptChanged || evt.UserID == "" || evt.UserID == m.selfID {
		return
	}
	msg, err := m.db.GetByMsgID(evt.ChatID, evt.Value)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("failed to resolve receipt message", zap.String("msg_id", evt.Value), zap.Error(err))
		}
		return
	}
	if msg == nil {
		// Position refers to a message we have not merged yet; the next
		// receipt after catch-up will land.
		return
	}

	updated, err := m.db.UpsertReceipt(&store.Receipt{
		ChatID:        evt.ChatID,
		UserID:        evt.UserID,
		LastReadMsgID: evt.Value,
		LastReadAt:    msg.CreatedAt,
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Error("failed to store receipt", zap.String("chat_id", evt.ChatID), zap.Error(err))
		}
		return
	}
	if !updated {
		return
	}

	if err := m.rec.ApplyReadReceipt(evt.ChatID, msg.CreatedAt); err != nil {
		if m.logger != nil {
			m.logger.Error("failed to advance delivery state", zap.String("chat_id", evt.ChatID), zap.Error(err))
		}
	}
	m.publish(Update{ChatID: evt.ChatID, UserID: evt.UserID, LastReadMsgID: evt.Value})
}

// UnreadCount derives the unread badge for a chat from the log.
func (m *Manager) UnreadCount(chatID string) (int, error) {
	return m.db.UnreadCount(chatID, m.selfID)
}

// Receipt returns a participant's stored read position, nil if none.
func (m *Manager) Receipt(chatID, userID string) (*store.Receipt, error) {
	return m.db.GetReceipt(chatID, userID)
}

func (m *Manager) publish(u Update) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindReceiptUpdated, Timestamp: time.Now(), Payload: u})
}
