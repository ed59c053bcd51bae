package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/remote/memory"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRetryConfig() config.Retry {
	return config.Retry{
		BaseMS:         10,
		MaxMS:          100,
		MaxAttempts:    6,
		AttemptTimeout: 1000,
		SweepMS:        20,
	}
}

func testQueue(t *testing.T, db *store.DB, rs *memory.Store, cfg config.Retry) (*Queue, *chatsync.Reconciler) {
	t.Helper()
	b := bus.New()
	rec := chatsync.NewReconciler(db, rs, b, "alice", 50, nil)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)
	logger, _ := zap.NewDevelopment()
	q := NewQueue(db, rs, rec, b, cfg, logger)
	return q, rec
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestQueueDrainsSuccessfulSend(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	token, err := q.Enqueue("c1", "text", `{"text":"hello"}`)
	if err != nil {
		t.Fatal(err)
	}

	// Optimistic row is visible before the drain loop even starts.
	m, err := db.GetByToken("c1", token)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.DeliveryState != store.StatePending {
		t.Fatalf("optimistic message = %+v, want pending", m)
	}

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 3*time.Second, "confirmation", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateSent
	})

	m, _ = db.GetByToken("c1", token)
	if m.MsgID == "" || m.CreatedAt == 0 {
		t.Errorf("confirmed message = %+v, want server identity", m)
	}
	if entry, _ := db.GetOutbox(token); entry != nil {
		t.Errorf("outbox entry survived: %+v", entry)
	}
	if got := len(rs.Messages("c1")); got != 1 {
		t.Errorf("remote has %d messages, want 1", got)
	}
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	rs.FailNextInserts(2, errors.New("connection reset"))

	token, err := q.Enqueue("c1", "text", "{}")
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 5*time.Second, "send after retries", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateSent
	})

	if calls := rs.InsertCalls(); calls != 3 {
		t.Errorf("insert calls = %d, want 3 (two failures + success)", calls)
	}
	if got := len(rs.Messages("c1")); got != 1 {
		t.Errorf("remote has %d messages, want 1", got)
	}
}

func TestQueuePermanentRejectionSingleAttempt(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	restore := rs.FailInserts(remote.ErrBlocked("sender blocked"))
	defer restore()

	token, err := q.Enqueue("c1", "text", "{}")
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 3*time.Second, "permanent failure", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateFailed
	})

	// Let several sweep intervals pass: no further attempts may happen.
	time.Sleep(200 * time.Millisecond)
	if calls := rs.InsertCalls(); calls != 1 {
		t.Errorf("insert calls = %d, want exactly 1", calls)
	}
	entry, _ := db.GetOutbox(token)
	if entry == nil || entry.Status != store.OutboxFailed {
		t.Errorf("outbox entry = %+v, want failed", entry)
	}
}

func TestQueueExhaustsRetries(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	cfg := testRetryConfig()
	cfg.MaxAttempts = 2
	q, _ := testQueue(t, db, rs, cfg)

	restore := rs.FailInserts(remote.ErrUnavailable("service down"))
	defer restore()

	token, err := q.Enqueue("c1", "text", "{}")
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 5*time.Second, "retry exhaustion", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateFailed
	})

	time.Sleep(200 * time.Millisecond)
	if calls := rs.InsertCalls(); calls != 2 {
		t.Errorf("insert calls = %d, want 2 (bounded attempts)", calls)
	}
}

func TestQueueRecoversInFlightAcrossRestart(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	// A previous process claimed the entry for an attempt and died before
	// resolving it. The row is stuck in_flight on disk.
	token, err := q.Enqueue("c1", "text", `{"text":"hello"}`)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxInFlight(token); err != nil {
		t.Fatal(err)
	}

	// A fresh queue on the same database must pick it up, not leave it
	// stranded forever.
	q2, _ := testQueue(t, db, rs, testRetryConfig())
	q2.Start(context.Background())
	defer q2.Stop()

	waitFor(t, 3*time.Second, "recovery of claimed send", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateSent
	})
	if got := len(rs.Messages("c1")); got != 1 {
		t.Errorf("remote has %d messages, want 1", got)
	}
	if entry, _ := db.GetOutbox(token); entry != nil {
		t.Errorf("outbox entry survived recovery: %+v", entry)
	}
}

func TestQueueIdempotentRetryAfterLostAck(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	// The write lands but the response is lost; the retry with the same
	// token must converge on the original server id, not a second message.
	rs.DropAck(errors.New("response lost"))

	token, err := q.Enqueue("c1", "text", "{}")
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 5*time.Second, "convergence after lost ack", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateSent
	})

	remoteMsgs := rs.Messages("c1")
	if len(remoteMsgs) != 1 {
		t.Fatalf("remote has %d messages, want 1", len(remoteMsgs))
	}
	local, _ := db.Snapshot("c1", 10)
	if len(local) != 1 {
		t.Fatalf("log has %d messages, want 1", len(local))
	}
	if local[0].MsgID != remoteMsgs[0].ID {
		t.Errorf("log msg_id = %s, want remote id %s", local[0].MsgID, remoteMsgs[0].ID)
	}
}

func TestQueueManualRetry(t *testing.T) {
	db := testDB(t)
	rs := memory.New()
	q, _ := testQueue(t, db, rs, testRetryConfig())

	restore := rs.FailInserts(remote.ErrPermission("not a participant"))

	token, err := q.Enqueue("c1", "text", "{}")
	if err != nil {
		t.Fatal(err)
	}
	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 3*time.Second, "permanent failure", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateFailed
	})

	// The user fixes the situation and retries by hand.
	restore()
	if err := q.Retry(token); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetByToken("c1", token)
	if m.DeliveryState != store.StatePending {
		t.Errorf("state after retry = %s, want pending", m.DeliveryState)
	}
	entry, _ := db.GetOutbox(token)
	if entry.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want fresh counter", entry.AttemptCount)
	}

	waitFor(t, 3*time.Second, "send after manual retry", func() bool {
		m, _ := db.GetByToken("c1", token)
		return m != nil && m.DeliveryState == store.StateSent
	})
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	q := NewQueue(nil, nil, nil, nil, config.Retry{BaseMS: 100, MaxMS: 1000, MaxAttempts: 10}, zap.NewNop())

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := q.backoff(attempt)
		// ±25% jitter around base*2^(attempt-1), capped at max.
		ideal := 100 * time.Millisecond
		for i := 1; i < attempt; i++ {
			ideal *= 2
			if ideal >= time.Second {
				ideal = time.Second
				break
			}
		}
		lo, hi := ideal-ideal/4, ideal+ideal/4
		if d < lo || d > hi {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
		}
		if ideal > prevMax {
			prevMax = ideal
		}
	}
	if prevMax != time.Second {
		t.Errorf("backoff never reached the cap: %v", prevMax)
	}
}
