// Package sync holds the reconciler: the single mutation path for every
// chat's local message log. Optimistic sends, write confirmations, live
// change-feed events and history backfills all funnel through one
// serialized merge step per chat, so two events for the same chat are never
// merged concurrently while different chats merge fully in parallel.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrStopped is returned for operations submitted after Stop.
var ErrStopped = errors.New("reconciler stopped")

// Reconciler merges all message mutation sources into the local log.
type Reconciler struct {
	db       *store.DB
	remote   remote.Store
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	pageSize int

	mu      gosync.Mutex
	workers map[string]chan task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

type task struct {
	run  func() error
	done chan error
}

// NewReconciler creates a reconciler. pageSize bounds backfill fetches.
func NewReconciler(db *store.DB, rs remote.Store, b *bus.Bus, selfID string, pageSize int, logger *zap.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Reconciler{
		db:       db,
		remote:   rs,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		pageSize: pageSize,
		workers:  make(map[string]chan task),
	}
}

// Start makes the reconciler accept work.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(ctx)
}

// Stop cancels all per-chat workers and waits for them to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// run executes fn on the chat's serialized worker and waits for the result.
func (r *Reconciler) run(chatID string, fn func() error) error {
	r.mu.Lock()
	if r.ctx == nil || r.ctx.Err() != nil {
		r.mu.Unlock()
		return ErrStopped
	}
	ch, ok := r.workers[chatID]
	if !ok {
		ch = make(chan task, 64)
		r.workers[chatID] = ch
		r.wg.Add(1)
		go r.worker(r.ctx, ch)
	}
	ctx := r.ctx

	// Submit while still holding the lock: ReleaseChat also closes the
	// channel under the lock, so a task can never hit a closed channel.
	t := task{run: fn, done: make(chan error, 1)}
	select {
	case ch <- t:
		r.mu.Unlock()
	case <-ctx.Done():
		r.mu.Unlock()
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ErrStopped
	}
}

func (r *Reconciler) worker(ctx context.Context, ch chan task) {
	defer r.wg.Done()
	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			t.done <- t.run()
		case <-ctx.Done():
			return
		}
	}
}

// ReleaseChat tears down a chat's merge worker. The channel manager calls
// this when it evicts a chat from the active set, so an idle daemon does
// not accumulate one goroutine per chat ever touched. Buffered tasks still
// drain before the worker exits; the next operation on the chat spins up a
// fresh worker.
func (r *Reconciler) ReleaseChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.workers[chatID]; ok {
		delete(r.workers, chatID)
		close(ch)
	}
}

// workerCount reports the number of live per-chat workers.
func (r *Reconciler) workerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// EnqueueSend appends an optimistic pending message and its outbox entry
// in one atomic step. The UI sees the message immediately; the outbound
// queue picks the entry up on its next sweep.
func (r *Reconciler) EnqueueSend(chatID, token, kind, payload string) error {
	return r.run(chatID, func() error {
		m := &store.Message{
			ChatID:      chatID,
			ClientToken: token,
			AuthorID:    r.selfID,
			Kind:        kind,
			Payload:     payload,
		}
		if err := r.db.CreatePending(m); err != nil {
			return fmt.Errorf("create pending: %w", err)
		}
		r.publishUpserted(chatID, "", token)
		r.publish(bus.KindOutboxQueued, bus.MessageRef{ChatID: chatID, ClientToken: token})
		return nil
	})
}

// Confirm folds a successful write's server identity into the pending
// message and retires its outbox entry. The message's position may move:
// the authoritative created_at replaces the local timestamp.
func (r *Reconciler) Confirm(chatID, token string, ack remote.Ack) error {
	return r.run(chatID, func() error {
		if _, err := r.db.MergeMessage(&store.Message{
			ChatID:        chatID,
			ClientToken:   token,
			MsgID:         ack.ID,
			CreatedAt:     ack.CreatedAt,
			DeliveryState: store.StateSent,
		}); err != nil {
			return fmt.Errorf("merge confirmation: %w", err)
		}
		if err := r.db.DeleteOutbox(token); err != nil {
			return fmt.Errorf("delete outbox: %w", err)
		}
		r.publishUpserted(chatID, ack.ID, token)
		r.publish(bus.KindMessageSendAck, bus.MessageRef{ChatID: chatID, MsgID: ack.ID, ClientToken: token})
		return nil
	})
}

// MarkFailed flips a pending message to failed after a permanent rejection
// or retry exhaustion. Confirmed messages are never touched.
func (r *Reconciler) MarkFailed(chatID, token, reason string) error {
	return r.run(chatID, func() error {
		if err := r.db.MarkFailed(chatID, token); err != nil {
			return err
		}
		r.publishUpserted(chatID, "", token)
		r.publish(bus.KindMessageSendFailed, bus.MessageRef{ChatID: chatID, ClientToken: token})
		if r.logger != nil {
			r.logger.Warn("message failed permanently",
				zap.String("chat_id", chatID), zap.String("client_token", token), zap.String("reason", reason))
		}
		return nil
	})
}

// Requeue revives a permanently failed send with a fresh attempt counter,
// backing the UI's manual retry affordance.
func (r *Reconciler) Requeue(chatID, token string) error {
	return r.run(chatID, func() error {
		if err := r.db.RequeueOutbox(token); err != nil {
			return err
		}
		r.publishUpserted(chatID, "", token)
		r.publish(bus.KindOutboxRetry, bus.MessageRef{ChatID: chatID, ClientToken: token})
		return nil
	})
}

// ApplyRemote merges a message event from the change-feed. Ephemeral kinds
// are not accepted here; the channel manager routes those to the trackers.
// Bad input is dropped with a warning, never fatal: one malformed event
// must not corrupt the rest of the log.
func (r *Reconciler) ApplyRemote(evt remote.Event) error {
	if evt.Message == nil || evt.ChatID == "" || evt.Message.ID == "" {
		if r.logger != nil {
			r.logger.Warn("dropping malformed remote event", zap.String("kind", string(evt.Kind)), zap.String("chat_id", evt.ChatID))
		}
		return nil
	}
	return r.run(evt.ChatID, func() error {
		m := toStore(evt.Message)
		merge := r.db.MergeMessage
		switch evt.Kind {
		case remote.MessageCreated, remote.MessageUpdated:
			// Fail closed on unparseable content: keep the row so ordering
			// holds, render it as a failed-to-load placeholder.
			if m.Kind == "" {
				if r.logger != nil {
					r.logger.Warn("remote message without kind", zap.String("msg_id", m.MsgID), zap.String("chat_id", m.ChatID))
				}
				m.Kind = "unsupported"
				m.Payload = ""
			}
		case remote.MessageDeleted:
			// The tombstone path purges the content; the plain merge would
			// keep a deleted payload around.
			merge = r.db.MergeTombstone
		default:
			if r.logger != nil {
				r.logger.Warn("dropping unexpected event kind", zap.String("kind", string(evt.Kind)))
			}
			return nil
		}

		res, err := merge(m)
		if err != nil {
			return fmt.Errorf("merge remote event: %w", err)
		}
		r.publishUpserted(m.ChatID, m.MsgID, res.Message.ClientToken)
		r.notifyIfNew(res)
		return nil
	})
}

// CatchUp closes the gap after a reconnect or on initial chat open: it
// fetches pages newer than the last confirmed message and merges them
// before live events resume. Idempotent; overlapping pages merge in place.
func (r *Reconciler) CatchUp(chatID string) error {
	return r.run(chatID, func() error {
		lastTs, lastID, err := r.db.LastConfirmed(chatID)
		if err != nil {
			return err
		}

		cursor := remote.Cursor{} // newest first
		for {
			page, err := r.remote.Fetch(r.ctx, chatID, cursor, r.pageSize)
			if err != nil {
				return fmt.Errorf("catch-up fetch: %w", err)
			}
			if len(page) == 0 {
				return nil
			}
			reachedKnown := false
			batch := make([]*store.Message, 0, len(page))
			for i := range page {
				m := &page[i]
				if m.CreatedAt < lastTs || (m.CreatedAt == lastTs && m.ID <= lastID) {
					reachedKnown = true
					continue
				}
				batch = append(batch, toStore(m))
			}
			if err := r.mergeBatch(chatID, batch); err != nil {
				return err
			}
			if reachedKnown || len(page) < r.pageSize {
				return nil
			}
			oldest := page[len(page)-1]
			cursor = remote.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}
		}
	})
}

// LoadOlder fetches one page of history older than the oldest loaded
// message. A short page marks the chat's history as fully paged so later
// calls are free.
func (r *Reconciler) LoadOlder(chatID string) error {
	return r.run(chatID, func() error {
		doneKey := "backfill_done." + chatID
		if done, err := r.db.GetCheckpoint(doneKey); err != nil {
			return err
		} else if done == "1" {
			return nil
		}

		oldTs, oldID, err := r.db.OldestConfirmed(chatID)
		if err != nil {
			return err
		}
		page, err := r.remote.Fetch(r.ctx, chatID, remote.Cursor{CreatedAt: oldTs, ID: oldID}, r.pageSize)
		if err != nil {
			return fmt.Errorf("history fetch: %w", err)
		}
		batch := make([]*store.Message, 0, len(page))
		for i := range page {
			batch = append(batch, toStore(&page[i]))
		}
		if err := r.mergeBatch(chatID, batch); err != nil {
			return err
		}
		if len(page) < r.pageSize {
			return r.db.SetCheckpoint(doneKey, "1")
		}
		return nil
	})
}

// ApplyReadReceipt advances the delivery state of our own confirmed
// messages when another participant's read position moves. Runs on the
// chat worker: delivery state has exactly one mutation path.
func (r *Reconciler) ApplyReadReceipt(chatID string, upTo int64) error {
	return r.run(chatID, func() error {
		if err := r.db.AdvanceDeliveryUpTo(chatID, r.selfID, upTo, store.StateRead); err != nil {
			return err
		}
		r.publishUpserted(chatID, "", "")
		return nil
	})
}

func (r *Reconciler) mergeBatch(chatID string, batch []*store.Message) error {
	if len(batch) == 0 {
		return nil
	}
	results, err := r.db.MergeBatch(batch)
	if err != nil {
		return fmt.Errorf("merge batch: %w", err)
	}
	for _, res := range results {
		r.notifyIfNew(&res)
	}
	r.publishUpserted(chatID, "", "")
	return nil
}

// notifyIfNew feeds the push-notification sink: new confirmed messages
// authored by someone else, and nothing else.
func (r *Reconciler) notifyIfNew(res *store.MergeResult) {
	m := res.Message
	if !res.Inserted || m.AuthorID == r.selfID || !m.DeliveryState.Confirmed() {
		return
	}
	r.publish(bus.KindNotifyMessage, bus.NewMessage{ChatID: m.ChatID, MsgID: m.MsgID, AuthorID: m.AuthorID})
}

func (r *Reconciler) publishUpserted(chatID, msgID, token string) {
	r.publish(bus.KindMessageUpserted, bus.MessageRef{ChatID: chatID, MsgID: msgID, ClientToken: token})
}

func (r *Reconciler) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// toStore maps a wire message into a log row. Remote-confirmed messages
// arrive sent; receipts upgrade them later.
func toStore(m *remote.Message) *store.Message {
	return &store.Message{
		ChatID:        m.ChatID,
		MsgID:         m.ID,
		ClientToken:   m.ClientToken,
		AuthorID:      m.AuthorID,
		Kind:          m.Kind,
		Payload:       m.Payload,
		CreatedAt:     m.CreatedAt,
		DeliveryState: store.StateSent,
	}
}
