package channel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/remote/memory"
	"github.com/mlago/chatsync/internal/status"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/zap"
)

type fixture struct {
	db      *store.DB
	remote  *memory.Store
	bus     *bus.Bus
	status  *status.Machine
	rec     *chatsync.Reconciler
	manager *Manager
}

type captureSink struct {
	mu     sync.Mutex
	events []remote.Event
}

func (c *captureSink) ApplyRemote(evt remote.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newFixture(t *testing.T, presence, receipts EphemeralSink) *fixture {
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

	rs := memory.New()
	b := bus.New()
	sm := status.NewMachine(b)
	rec := chatsync.NewReconciler(db, rs, b, "alice", 3, nil)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	cfg := config.Channel{MaxActive: 2, PageSize: 3, ReconnectMinMS: 10, ReconnectMaxMS: 100}
	mgr := NewManager(db, rs, rec, b, sm, cfg, presence, receipts, zap.NewNop())
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	return &fixture{db: db, remote: rs, bus: b, status: sm, rec: rec, manager: mgr}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestOpenChatCatchesUpAndGoesReady(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 5; i++ {
		f.remote.Seed(remote.Message{ChatID: "c1", AuthorID: "bob", Kind: "text", Payload: "{}"})
	}

	connected, unsub := f.bus.Subscribe(bus.KindFeedConnected, 8)
	defer unsub()

	if err := f.manager.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("no feed.connected event")
	}

	waitFor(t, 3*time.Second, "catch-up", func() bool {
		msgs, _ := f.db.Snapshot("c1", 10)
		return len(msgs) == 5
	})
	waitFor(t, time.Second, "ready status", func() bool {
		return f.status.Current() == status.Ready
	})
}

func TestLiveEventsReachLog(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.manager.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "feed up", func() bool {
		return f.status.Current() == status.Ready
	})

	if _, err := f.remote.Insert(context.Background(), remote.Message{
		ChatID: "c1", AuthorID: "bob", Kind: "text", Payload: `{"text":"hi"}`,
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "live merge", func() bool {
		msgs, _ := f.db.Snapshot("c1", 10)
		return len(msgs) == 1 && msgs[0].DeliveryState == store.StateSent
	})
}

func TestReconnectClosesGap(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.manager.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.remote.Insert(context.Background(), remote.Message{ChatID: "c1", AuthorID: "bob", Kind: "text", Payload: "{}"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "first message", func() bool {
		msgs, _ := f.db.Snapshot("c1", 10)
		return len(msgs) == 1
	})

	f.remote.Disconnect()

	// Messages arriving during the outage must be recovered by catch-up.
	for i := 0; i < 4; i++ {
		f.remote.Seed(remote.Message{ChatID: "c1", AuthorID: "bob", Kind: "text", Payload: "{}"})
	}

	waitFor(t, 3*time.Second, "gap closed after reconnect", func() bool {
		msgs, _ := f.db.Snapshot("c1", 10)
		return len(msgs) == 5
	})
	waitFor(t, time.Second, "ready after reconnect", func() bool {
		return f.status.Current() == status.Ready
	})
}

func TestActiveSetBoundedLRU(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := f.manager.OpenChat(id); err != nil {
			t.Fatal(err)
		}
	}

	active := f.manager.ActiveChats()
	if len(active) != 2 {
		t.Fatalf("active chats = %v, want 2", active)
	}
	if active[0] != "c3" || active[1] != "c2" {
		t.Errorf("active order = %v, want [c3 c2]", active)
	}

	// Reopening refreshes recency, so c3 gets evicted next, not c2.
	if err := f.manager.OpenChat("c2"); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.OpenChat("c4"); err != nil {
		t.Fatal(err)
	}
	active = f.manager.ActiveChats()
	if active[0] != "c4" || active[1] != "c2" {
		t.Errorf("active order = %v, want [c4 c2]", active)
	}
}

func TestEphemeralEventsRouted(t *testing.T) {
	presence := &captureSink{}
	receipts := &captureSink{}
	f := newFixture(t, presence, receipts)

	if err := f.manager.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "feed up", func() bool {
		return f.status.Current() == status.Ready
	})

	ctx := context.Background()
	if err := f.remote.UpsertEphemeral(ctx, remote.EphemeralTyping, "c1", "bob", "1", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := f.remote.UpsertEphemeral(ctx, remote.EphemeralReceipt, "c1", "bob", "m42", 0); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "ephemeral dispatch", func() bool {
		return presence.count() == 1 && receipts.count() == 1
	})

	presence.mu.Lock()
	defer presence.mu.Unlock()
	if presence.events[0].Kind != remote.TypingChanged || presence.events[0].UserID != "bob" {
		t.Errorf("presence event = %+v", presence.events[0])
	}
}

func TestCloseChatStopsFeed(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.manager.OpenChat("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "feed up", func() bool {
		return f.status.Current() == status.Ready
	})

	dropped, unsub := f.bus.Subscribe(bus.KindFeedDisconnected, 8)
	defer unsub()

	f.manager.CloseChat("c1")
	if got := f.manager.ActiveChats(); len(got) != 0 {
		t.Fatalf("active chats after close = %v", got)
	}
	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("feed never went down")
	}

	// A message arriving after close must not reach the log.
	if _, err := f.remote.Insert(context.Background(), remote.Message{ChatID: "c1", AuthorID: "bob", Kind: "text", Payload: "{}"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if msgs, _ := f.db.Snapshot("c1", 10); len(msgs) != 0 {
		t.Errorf("log has %d messages after close, want 0", len(msgs))
	}
}
