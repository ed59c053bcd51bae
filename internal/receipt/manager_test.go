package receipt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/remote/memory"
	"github.com/mlago/chatsync/internal/store"
	chatsync "github.com/mlago/chatsync/internal/sync"
)

type fixture struct {
	db      *store.DB
	remote  *memory.Store
	bus     *bus.Bus
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
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
	rec := chatsync.NewReconciler(db, rs, b, "alice", 50, nil)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	return &fixture{db: db, remote: rs, bus: b, manager: NewManager(db, rs, rec, b, "alice", nil)}
}

func (f *fixture) mergeMsg(t *testing.T, chatID, msgID, authorID string, createdAt int64) {
	t.Helper()
	if _, err := f.db.MergeMessage(&store.Message{
		ChatID:        chatID,
		MsgID:         msgID,
		AuthorID:      authorID,
		Kind:          "text",
		Payload:       "{}",
		CreatedAt:     createdAt,
		DeliveryState: store.StateSent,
	}); err != nil {
		t.Fatal(err)
	}
}

func drainEvents(ch <-chan remote.Event) []remote.Event {
	var out []remote.Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestMarkReadStoresAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.mergeMsg(t, "c1", "m1", "bob", 100)

	feed, err := f.remote.Subscribe(context.Background(), "c1", remote.Cursor{})
	if err != nil {
		t.Fatal(err)
	}
	updates, unsub := f.bus.Subscribe(bus.KindReceiptUpdated, 8)
	defer unsub()

	if err := f.manager.MarkRead(context.Background(), "c1", "m1"); err != nil {
		t.Fatal(err)
	}

	r, err := f.db.GetReceipt("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.LastReadMsgID != "m1" || r.LastReadAt != 100 {
		t.Fatalf("receipt = %+v", r)
	}

	events := drainEvents(feed)
	if len(events) != 1 || events[0].Kind != remote.ReceiptChanged || events[0].Value != "m1" {
		t.Errorf("broadcast = %+v, want one receipt for m1", events)
	}
	select {
	case evt := <-updates:
		u := evt.Payload.(Update)
		if u.UserID != "alice" || u.LastReadMsgID != "m1" {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Error("no receipt.updated event published")
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	f := newFixture(t)
	f.mergeMsg(t, "c1", "m1", "bob", 100)
	f.mergeMsg(t, "c1", "m2", "bob", 200)

	ctx := context.Background()
	if err := f.manager.MarkRead(ctx, "c1", "m2"); err != nil {
		t.Fatal(err)
	}

	feed, err := f.remote.Subscribe(ctx, "c1", remote.Cursor{})
	if err != nil {
		t.Fatal(err)
	}

	// A stale mark-read (scrolled up, or a racing duplicate) must not
	// rewind the position or re-broadcast.
	if err := f.manager.MarkRead(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}

	r, _ := f.db.GetReceipt("c1", "alice")
	if r.LastReadMsgID != "m2" {
		t.Errorf("receipt rewound to %s", r.LastReadMsgID)
	}
	if events := drainEvents(feed); len(events) != 0 {
		t.Errorf("stale mark-read broadcast %d events", len(events))
	}
}

func TestMarkReadUnknownMessage(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.MarkRead(context.Background(), "c1", "ghost"); err == nil {
		t.Fatal("expected error for unknown message")
	}
}

func TestApplyRemoteAdvancesOwnMessages(t *testing.T) {
	f := newFixture(t)
	f.mergeMsg(t, "c1", "m1", "alice", 100)
	f.mergeMsg(t, "c1", "m2", "alice", 200)
	f.mergeMsg(t, "c1", "m3", "alice", 300)

	f.manager.ApplyRemote(remote.Event{
		Kind: remote.ReceiptChanged, ChatID: "c1", UserID: "bob", Value: "m2",
	})

	for msgID, want := range map[string]store.DeliveryState{
		"m1": store.StateRead, "m2": store.StateRead, "m3": store.StateSent,
	} {
		m, err := f.db.GetByMsgID("c1", msgID)
		if err != nil {
			t.Fatal(err)
		}
		if m.DeliveryState != want {
			t.Errorf("%s state = %s, want %s", msgID, m.DeliveryState, want)
		}
	}

	r, _ := f.db.GetReceipt("c1", "bob")
	if r == nil || r.LastReadMsgID != "m2" {
		t.Errorf("stored receipt = %+v", r)
	}
}

func TestApplyRemoteUnknownMessageSkipped(t *testing.T) {
	f := newFixture(t)
	f.manager.ApplyRemote(remote.Event{
		Kind: remote.ReceiptChanged, ChatID: "c1", UserID: "bob", Value: "not-merged-yet",
	})
	if r, _ := f.db.GetReceipt("c1", "bob"); r != nil {
		t.Errorf("receipt stored for unknown message: %+v", r)
	}
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t)
	f.mergeMsg(t, "c1", "m1", "bob", 100)
	f.mergeMsg(t, "c1", "m2", "bob", 200)
	f.mergeMsg(t, "c1", "m3", "bob", 300)
	f.mergeMsg(t, "c1", "m4", "alice", 400) // own messages never count

	if err := f.manager.MarkRead(context.Background(), "c1", "m2"); err != nil {
		t.Fatal(err)
	}
	n, err := f.manager.UnreadCount("c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}
