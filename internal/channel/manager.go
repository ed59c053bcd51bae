// Package channel keeps one live change-feed per open chat. It owns the
// subscription lifecycle: catch-up before subscribing, reconnect with
// backoff after a drop, and routing of feed events to the reconciler and
// the ephemeral trackers.
package channel

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/status"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

// ErrStopped is returned for chat opens after Stop (or before Start).
var ErrStopped = errors.New("channel manager stopped")

// EphemeralSink receives typing/presence/receipt events from the feed.
type EphemeralSink interface {
	ApplyRemote(evt remote.Event)
}

// Manager bounds the set of live chat subscriptions to the most recently
// opened chats and keeps each one connected.
type Manager struct {
	db       *store.DB
	remote   remote.Store
	rec      *chatsync.Reconciler
	bus      *bus.Bus
	status   *status.Machine
	logger   *zap.Logger
	cfg      config.Channel
	presence EphemeralSink
	receipts EphemeralSink

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	feeds  map[string]*feed
	lru    *list.List // front = most recently opened
	live   int
}

type feed struct {
	chatID string
	cancel context.CancelFunc
	elem   *list.Element
}

// NewManager creates a channel manager. The sinks may be nil; events for a
// nil sink are dropped.
func NewManager(db *store.DB, rs remote.Store, rec *chatsync.Reconciler, b *bus.Bus, sm *status.Machine, cfg config.Channel, presence, receipts EphemeralSink, logger *zap.Logger) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 8
	}
	return &Manager{
		db:       db,
		remote:   rs,
		rec:      rec,
		bus:      b,
		status:   sm,
		logger:   logger,
		cfg:      cfg,
		presence: presence,
		receipts: receipts,
		feeds:    make(map[string]*feed),
		lru:      list.New(),
	}
}

// Start makes the manager accept chat opens.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.transition(status.Connecting)
}

// Stop closes every live feed and waits for the loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.feeds = make(map[string]*feed)
	m.lru.Init()
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// OpenChat marks a chat active and brings up its feed. Opening an already
// active chat just refreshes its recency. When the active set is full the
// least recently opened chat is evicted; its log stays intact and the next
// open catches it up again.
func (m *Manager) OpenChat(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return ErrStopped
	}

	if f, ok := m.feeds[chatID]; ok {
		m.lru.MoveToFront(f.elem)
		return nil
	}

	for len(m.feeds) >= m.cfg.MaxActive {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.evictLocked(oldest.Value.(string))
	}

	ctx, cancel := context.WithCancel(m.ctx)
	f := &feed{chatID: chatID, cancel: cancel}
	f.elem = m.lru.PushFront(chatID)
	m.feeds[chatID] = f

	m.wg.Add(1)
	go m.run(ctx, chatID)
	return nil
}

// CloseChat drops a chat's feed. No-op if the chat is not active.
func (m *Manager) CloseChat(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(chatID)
}

// ActiveChats returns the active chat ids, most recently opened first.
func (m *Manager) ActiveChats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (m *Manager) evictLocked(chatID string) {
	f, ok := m.feeds[chatID]
	if !ok {
		return
	}
	delete(m.feeds, chatID)
	m.lru.Remove(f.elem)
	f.cancel()
}

// run keeps one chat's feed alive: catch up, subscribe, drain until the
// feed closes, then back off and start over. The catch-up before each
// subscribe closes any gap the outage opened, and the subscription replays
// from the last confirmed cursor, so overlap merges idempotently.
func (m *Manager) run(ctx context.Context, chatID string) {
	defer m.wg.Done()
	// The feed was this chat's event source; once it is evicted the merge
	// worker has nothing steady to do and is reclaimed.
	defer m.rec.ReleaseChat(chatID)
	backoff := m.cfg.ReconnectMin()

	for ctx.Err() == nil {
		m.transition(status.Syncing)
		if err := m.rec.CatchUp(chatID); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("catch-up failed", zap.String("chat_id", chatID), zap.Error(err))
			backoff = m.sleep(ctx, backoff)
			continue
		}

		ts, id, err := m.db.LastConfirmed(chatID)
		if err != nil {
			m.logger.Error("failed to read feed cursor", zap.String("chat_id", chatID), zap.Error(err))
			backoff = m.sleep(ctx, backoff)
			continue
		}
		events, err := m.remote.Subscribe(ctx, chatID, remote.Cursor{CreatedAt: ts, ID: id})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("subscribe failed", zap.String("chat_id", chatID), zap.Error(err))
			backoff = m.sleep(ctx, backoff)
			continue
		}

		m.feedUp(chatID)
		backoff = m.cfg.ReconnectMin()

		for evt := range events {
			m.dispatch(evt)
		}

		m.feedDown(chatID)
		if ctx.Err() != nil {
			return
		}
		m.logger.Info("feed dropped, reconnecting", zap.String("chat_id", chatID))
		backoff = m.sleep(ctx, backoff)
	}
}

func (m *Manager) dispatch(evt remote.Event) {
	switch evt.Kind {
	case remote.MessageCreated, remote.MessageUpdated, remote.MessageDeleted:
		if err := m.rec.ApplyRemote(evt); err != nil {
			m.logger.Error("failed to apply feed event", zap.String("chat_id", evt.ChatID), zap.Error(err))
		}
	case remote.TypingChanged, remote.PresenceChanged:
		if m.presence != nil {
			m.presence.ApplyRemote(evt)
		}
	case remote.ReceiptChanged:
		if m.receipts != nil {
			m.receipts.ApplyRemote(evt)
		}
	default:
		m.logger.Warn("unknown feed event kind", zap.String("kind", string(evt.Kind)))
	}
}

// sleep waits for the current backoff and returns the next one, doubling
// up to the configured ceiling.
func (m *Manager) sleep(ctx context.Context, d time.Duration) time.Duration {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	next := d * 2
	if next > m.cfg.ReconnectMax() {
		next = m.cfg.ReconnectMax()
	}
	return next
}

func (m *Manager) feedUp(chatID string) {
	m.mu.Lock()
	m.live++
	m.recomputeLocked()
	m.mu.Unlock()
	m.publish(bus.KindFeedConnected, chatID)
}

func (m *Manager) feedDown(chatID string) {
	m.mu.Lock()
	m.live--
	m.recomputeLocked()
	m.mu.Unlock()
	m.publish(bus.KindFeedDisconnected, chatID)
}

// recomputeLocked derives the engine status from feed health: all feeds
// live means ready, none means reconnecting, a mix means degraded.
func (m *Manager) recomputeLocked() {
	want := len(m.feeds)
	switch {
	case m.live >= want:
		m.transition(status.Ready)
	case m.live == 0:
		m.transition(status.Reconnecting)
	default:
		m.transition(status.Degraded)
	}
}

func (m *Manager) transition(to status.State) {
	if m.status == nil {
		return
	}
	if err := m.status.Transition(to); err != nil && m.logger != nil {
		m.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (m *Manager) publish(kind, chatID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: bus.MessageRef{ChatID: chatID}})
}
