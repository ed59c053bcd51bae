// Package outbox drives not-yet-confirmed sends: it owns the retry/backoff
// policy and is the only component that calls the remote store's Insert.
// Results are handed to the reconciler, never written to the log directly.
package outbox

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Queue accepts sends from the UI path and drains them to the remote store.
// Multi-producer (any goroutine may Enqueue), single-consumer (one drain
// loop performs all delivery attempts).
type Queue struct {
	db     *store.DB
	remote remote.Store
	rec    *chatsync.Reconciler
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.Retry
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates an outbound queue.
func NewQueue(db *store.DB, rs remote.Store, rec *chatsync.Reconciler, b *bus.Bus, cfg config.Retry, logger *zap.Logger) *Queue {
	return &Queue{
		db:     db,
		remote: rs,
		rec:    rec,
		bus:    b,
		logger: logger,
		cfg:    cfg,
	}
}

// Enqueue creates the optimistic pending message and its queue entry in one
// atomic step and returns the client token. Non-blocking: delivery happens
// on the drain loop, the caller never waits on the network.
func (q *Queue) Enqueue(chatID, kind, payload string) (string, error) {
	token := uuid.NewString()
	if err := q.rec.EnqueueSend(chatID, token, kind, payload); err != nil {
		return "", err
	}
	return token, nil
}

// Retry revives a permanently failed send with a fresh attempt counter.
func (q *Queue) Retry(token string) error {
	entry, err := q.db.GetOutbox(token)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil // already confirmed and retired
	}
	return q.rec.Requeue(entry.ChatID, token)
}

// Start begins the drain loop. Entries a previous process claimed but
// never resolved are put back in the queue first, so a crash mid-attempt
// cannot strand a send; the idempotency token keeps the re-send safe.
func (q *Queue) Start(ctx context.Context) {
	if n, err := q.db.RecoverInFlight(); err != nil {
		q.logger.Error("failed to recover in-flight sends", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("recovered in-flight sends from previous run", zap.Int64("count", n))
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx)
}

// Stop stops the drain loop and waits for it to exit. An attempt abandoned
// mid-call is recovered and retried on the next start.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.Sweep())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	due, err := q.db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		if err := q.db.MarkOutboxInFlight(item.ClientToken); err != nil {
			q.logger.Error("failed to mark in-flight", zap.Error(err), zap.String("client_token", item.ClientToken))
			continue
		}
		q.attempt(ctx, item)
	}
}

func (q *Queue) attempt(ctx context.Context, item store.OutboxItem) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout())
	ack, err := q.remote.Insert(attemptCtx, remote.Message{
		ClientToken: item.ClientToken,
		ChatID:      item.ChatID,
		AuthorID:    item.AuthorID,
		Kind:        item.Kind,
		Payload:     item.Payload,
	})
	cancel()

	if err == nil {
		if err := q.rec.Confirm(item.ChatID, item.ClientToken, ack); err != nil {
			q.logger.Error("failed to confirm send", zap.Error(err), zap.String("client_token", item.ClientToken))
			return
		}
		q.logger.Info("message sent",
			zap.String("client_token", item.ClientToken), zap.String("msg_id", ack.ID))
		return
	}

	if !remote.IsRetryable(err) {
		q.fail(item, err)
		return
	}

	attempts := item.AttemptCount + 1
	if attempts >= q.cfg.MaxAttempts {
		q.logger.Warn("send retries exhausted",
			zap.String("client_token", item.ClientToken), zap.Int("attempts", attempts), zap.Error(err))
		q.fail(item, err)
		return
	}

	next := time.Now().Add(q.backoff(attempts)).UnixMilli()
	if dbErr := q.db.RecordOutboxRetry(item.ClientToken, attempts, next, err.Error()); dbErr != nil {
		q.logger.Error("failed to schedule retry", zap.Error(dbErr), zap.String("client_token", item.ClientToken))
		return
	}
	q.logger.Info("send attempt failed, retry scheduled",
		zap.String("client_token", item.ClientToken), zap.Int("attempt", attempts), zap.Error(err))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxRetry,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ChatID: item.ChatID, ClientToken: item.ClientToken},
	})
}

func (q *Queue) fail(item store.OutboxItem, cause error) {
	if err := q.db.MarkOutboxPermanent(item.ClientToken, cause.Error()); err != nil {
		q.logger.Error("failed to mark outbox permanent", zap.Error(err), zap.String("client_token", item.ClientToken))
	}
	if err := q.rec.MarkFailed(item.ChatID, item.ClientToken, cause.Error()); err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("client_token", item.ClientToken))
	}
}

// backoff computes the delay before attempt n+1: base * 2^(n-1) capped at
// the configured maximum, then ±25% jitter.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.Base()
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.Max() {
			d = q.cfg.Max()
			break
		}
	}
	jitter := d / 4
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	}
	return d
}
