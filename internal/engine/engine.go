// Package engine is the facade over the sync machinery. Callers (the HTTP
// gateway, tests) talk only to the Engine; the reconciler, queue, channel
// manager and trackers stay internal wiring behind it.
package engine

import (
	"context"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/channel"
	"github.com/mlago/chatsync/internal/notify"
	"github.com/mlago/chatsync/internal/outbox"
	"github.com/mlago/chatsync/internal/presence"
	"github.com/mlago/chatsync/internal/receipt"
	"github.com/mlago/chatsync/internal/status"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

// ChatView is a consistent snapshot of one chat for rendering: the ordered
// message window plus the ephemeral state around it.
type ChatView struct {
	ChatID   string
	Messages []store.Message // ascending by (sort_ts, msg_id)
	Typing   []string
	Unread   int
}

// Engine ties the components together behind one API.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	status   *status.Machine
	rec      *chatsync.Reconciler
	queue    *outbox.Queue
	channels *channel.Manager
	presence *presence.Tracker
	receipts *receipt.Manager
	notifier *notify.Notifier
	logger   *zap.Logger
	selfID   string
}

// New assembles an engine from its components.
func New(db *store.DB, b *bus.Bus, sm *status.Machine, rec *chatsync.Reconciler, q *outbox.Queue, cm *channel.Manager, pt *presence.Tracker, rm *receipt.Manager, n *notify.Notifier, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		status:   sm,
		rec:      rec,
		queue:    q,
		channels: cm,
		presence: pt,
		receipts: rm,
		notifier: n,
		logger:   logger,
		selfID:   selfID,
	}
}

// Start brings the engine up: mutation path first, then the loops that
// feed it.
func (e *Engine) Start(ctx context.Context) {
	e.rec.Start(ctx)
	e.queue.Start(ctx)
	e.channels.Start(ctx)
	e.presence.Start(ctx)
	e.notifier.Start(ctx)
	e.logger.Info("engine started", zap.String("self_id", e.selfID))
}

// Stop shuts the engine down in reverse order, so nothing feeds work into
// an already-stopped reconciler.
func (e *Engine) Stop() {
	e.notifier.Stop()
	e.presence.Stop()
	e.channels.Stop()
	e.queue.Stop()
	e.rec.Stop()
	e.logger.Info("engine stopped")
}

// Send queues a message for delivery and returns its client token. The
// pending message is already in the log when this returns; the typing
// indicator for the chat is cleared as a side effect.
func (e *Engine) Send(ctx context.Context, chatID, kind, payload string) (string, error) {
	token, err := e.queue.Enqueue(chatID, kind, payload)
	if err != nil {
		return "", err
	}
	if err := e.presence.ClearTyping(ctx, chatID); err != nil {
		e.logger.Warn("failed to clear typing on send", zap.String("chat_id", chatID), zap.Error(err))
	}
	return token, nil
}

// Retry revives a permanently failed send.
func (e *Engine) Retry(token string) error {
	return e.queue.Retry(token)
}

// OpenChat brings up the chat's live feed and catch-up.
func (e *Engine) OpenChat(chatID string) error {
	return e.channels.OpenChat(chatID)
}

// CloseChat drops the chat's live feed.
func (e *Engine) CloseChat(chatID string) {
	e.channels.CloseChat(chatID)
}

// LoadOlder pages one window of history into the log.
func (e *Engine) LoadOlder(chatID string) error {
	return e.rec.LoadOlder(chatID)
}

// SetTyping signals that the local user is typing.
func (e *Engine) SetTyping(ctx context.Context, chatID string) error {
	return e.presence.SetTyping(ctx, chatID)
}

// MarkRead advances the local read position to msgID and broadcasts it.
func (e *Engine) MarkRead(ctx context.Context, chatID, msgID string) error {
	return e.receipts.MarkRead(ctx, chatID, msgID)
}

// Status returns the engine's connectivity state.
func (e *Engine) Status() status.State {
	return e.status.Current()
}

// Chats lists known chats, most recent activity first.
func (e *Engine) Chats(limit, offset int) ([]store.Chat, error) {
	return e.db.ListChats(limit, offset)
}

// Messages returns one page of a chat's log older than the cursor.
func (e *Engine) Messages(chatID string, before store.Cursor, limit int) ([]store.Message, error) {
	return e.db.ListMessages(chatID, before, limit)
}

// UnreadCount derives the chat's unread badge.
func (e *Engine) UnreadCount(chatID string) (int, error) {
	return e.receipts.UnreadCount(chatID)
}

// Typing returns the users currently typing in a chat.
func (e *Engine) Typing(chatID string) []string {
	return e.presence.Typing(chatID)
}

// Online reports whether a user's presence is fresh.
func (e *Engine) Online(userID string) bool {
	return e.presence.Online(userID)
}

// View builds a snapshot of one chat.
func (e *Engine) View(chatID string, limit int) (ChatView, error) {
	msgs, err := e.db.Snapshot(chatID, limit)
	if err != nil {
		return ChatView{}, err
	}
	unread, err := e.receipts.UnreadCount(chatID)
	if err != nil {
		return ChatView{}, err
	}
	return ChatView{
		ChatID:   chatID,
		Messages: msgs,
		Typing:   e.presence.Typing(chatID),
		Unread:   unread,
	}, nil
}

// Observe streams snapshots of one chat: an initial view, then a fresh one
// after every event that touches the chat. Latest wins: a slow consumer
// sees fewer, newer snapshots, never a stale backlog.
func (e *Engine) Observe(ctx context.Context, chatID string, limit int) (<-chan ChatView, error) {
	initial, err := e.View(chatID, limit)
	if err != nil {
		return nil, err
	}

	events, unsub := e.bus.Subscribe("", 256) // all namespaces
	out := make(chan ChatView, 1)
	out <- initial

	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt := <-events:
				if !touchesChat(evt, chatID) {
					continue
				}
				view, err := e.View(chatID, limit)
				if err != nil {
					e.logger.Error("failed to build chat view", zap.String("chat_id", chatID), zap.Error(err))
					continue
				}
				// Replace a not-yet-consumed snapshot instead of queueing.
				select {
				case out <- view:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- view:
					default:
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// touchesChat reports whether an event can change a chat's view.
func touchesChat(evt bus.Event, chatID string) bool {
	switch p := evt.Payload.(type) {
	case bus.MessageRef:
		return p.ChatID == chatID
	case bus.NewMessage:
		return p.ChatID == chatID
	case presence.Change:
		return p.ChatID == chatID || p.ChatID == ""
	case receipt.Update:
		return p.ChatID == chatID
	default:
		return false
	}
}

// tokenWait is how long SendAndWait polls before giving up on confirmation.
const tokenWait = 50 * time.Millisecond

// SendAndWait sends and blocks until the message leaves the pending state
// or the context expires. Convenience for callers that want synchronous
// semantics; the UI path uses Send.
func (e *Engine) SendAndWait(ctx context.Context, chatID, kind, payload string) (*store.Message, error) {
	token, err := e.Send(ctx, chatID, kind, payload)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(tokenWait)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m, err := e.db.GetByToken(chatID, token)
			if err != nil {
				return nil, err
			}
			if m != nil && m.DeliveryState != store.StatePending {
				return m, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
