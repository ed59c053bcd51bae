// Package memory implements remote.Store in process. It backs the engine's
// standalone mode and the integration-style tests: writes are idempotent by
// client token, every chat has a change-feed fan-out, and failures and
// disconnects can be injected.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlago/chatsync/internal/remote"
)

// Store is an in-memory remote message store.
type Store struct {
	mu          sync.Mutex
	chats       map[string][]remote.Message      // ordered by (created_at, id) ascending
	byToken     map[string]map[string]remote.Ack // chatID -> clientToken -> ack
	subs        map[string][]*subscriber         // chatID -> live feeds
	lastTs      int64
	insertCalls int
	insertFn    func(m remote.Message) error // injected failure, nil = succeed
}

type subscriber struct {
	ch     chan remote.Event
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		chats:   make(map[string][]remote.Message),
		byToken: make(map[string]map[string]remote.Ack),
		subs:    make(map[string][]*subscriber),
	}
}

// tick returns a strictly increasing server timestamp in unix millis, so
// two writes in the same millisecond still order deterministically.
func (s *Store) tick() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastTs {
		now = s.lastTs + 1
	}
	s.lastTs = now
	return now
}

// Insert writes a message, idempotent on ClientToken: a replayed token
// returns the ack of the original write and emits no second event.
func (s *Store) Insert(ctx context.Context, m remote.Message) (remote.Ack, error) {
	if err := ctx.Err(); err != nil {
		return remote.Ack{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertCalls++
	if s.insertFn != nil {
		if err := s.insertFn(m); err != nil {
			return remote.Ack{}, err
		}
	}

	if m.ClientToken != "" {
		if ack, ok := s.byToken[m.ChatID][m.ClientToken]; ok {
			return ack, nil
		}
	}

	stored := m
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.tick()
	s.chats[m.ChatID] = append(s.chats[m.ChatID], stored)

	ack := remote.Ack{ID: stored.ID, CreatedAt: stored.CreatedAt}
	if m.ClientToken != "" {
		if s.byToken[m.ChatID] == nil {
			s.byToken[m.ChatID] = make(map[string]remote.Ack)
		}
		s.byToken[m.ChatID][m.ClientToken] = ack
	}

	s.broadcastLocked(remote.Event{
		Kind:    remote.MessageCreated,
		ChatID:  m.ChatID,
		Message: &stored,
	})
	return ack, nil
}

// Fetch returns up to limit messages strictly older than the cursor,
// ordered by (created_at, id) descending.
func (s *Store) Fetch(ctx context.Context, chatID string, before remote.Cursor, limit int) ([]remote.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.chats[chatID]
	out := make([]remote.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if !before.Zero() {
			if m.CreatedAt > before.CreatedAt ||
				(m.CreatedAt == before.CreatedAt && m.ID >= before.ID) {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Subscribe opens the change-feed for one chat. Messages newer than the
// cursor are replayed first, then live events stream until the context is
// cancelled or Disconnect is called (which closes the channel).
func (s *Store) Subscribe(ctx context.Context, chatID string, since remote.Cursor) (<-chan remote.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replay the gap between the cursor and now before any live event. The
	// channel is sized for the whole gap plus live headroom: the sends here
	// run with s.mu held, so they must never block.
	var replay []remote.Message
	for _, m := range s.chats[chatID] {
		if m.CreatedAt > since.CreatedAt ||
			(m.CreatedAt == since.CreatedAt && m.ID > since.ID) {
			replay = append(replay, m)
		}
	}
	sub := &subscriber{ch: make(chan remote.Event, len(replay)+256)}
	for i := range replay {
		sub.ch <- remote.Event{Kind: remote.MessageCreated, ChatID: chatID, Message: &replay[i]}
	}

	s.subs[chatID] = append(s.subs[chatID], sub)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closeSubLocked(chatID, sub)
		s.mu.Unlock()
	}()

	return sub.ch, nil
}

// UpsertEphemeral broadcasts a typing/presence/receipt signal to all chat
// subscribers. Nothing is persisted; receivers expire it by TTL.
func (s *Store) UpsertEphemeral(ctx context.Context, kind remote.EphemeralKind, chatID, userID, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ek remote.EventKind
	switch kind {
	case remote.EphemeralTyping:
		ek = remote.TypingChanged
	case remote.EphemeralPresence:
		ek = remote.PresenceChanged
	case remote.EphemeralReceipt:
		ek = remote.ReceiptChanged
	default:
		return remote.ErrValidation("unknown ephemeral kind " + string(kind))
	}

	s.broadcastLocked(remote.Event{
		Kind:   ek,
		ChatID: chatID,
		UserID: userID,
		Value:  value,
		TTL:    ttl,
	})
	return nil
}

func (s *Store) broadcastLocked(evt remote.Event) {
	for _, sub := range s.subs[evt.ChatID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Feed consumer too slow; drop. The catch-up fetch after the
			// next reconnect closes any resulting gap.
		}
	}
}

func (s *Store) closeSubLocked(chatID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	live := s.subs[chatID][:0]
	for _, other := range s.subs[chatID] {
		if other != sub {
			live = append(live, other)
		}
	}
	s.subs[chatID] = live
}

// Disconnect closes every live feed, simulating transport loss. Consumers
// see their channel close and are expected to back off and resubscribe.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, subs := range s.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		s.subs[chatID] = nil
	}
}

// FailInserts makes every subsequent Insert return err until the returned
// restore function is called. Pass a classified *remote.Error to exercise
// the permanent-rejection path, or any other error for the transient path.
func (s *Store) FailInserts(err error) (restore func()) {
	s.mu.Lock()
	s.insertFn = func(remote.Message) error { return err }
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.insertFn = nil
		s.mu.Unlock()
	}
}

// FailNextInserts fails only the next n Insert calls with err. Used to
// exercise retry/backoff without keeping the store broken.
func (s *Store) FailNextInserts(n int, err error) {
	s.mu.Lock()
	remaining := n
	s.insertFn = func(remote.Message) error {
		if remaining > 0 {
			remaining--
			return err
		}
		return nil
	}
	s.mu.Unlock()
}

// DropAck makes the next Insert perform a real write but return err anyway,
// simulating a successful-but-unacknowledged insert (the response is lost
// on the wire). The retry with the same token then hits the idempotency map.
func (s *Store) DropAck(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired := false
	// insertFn runs with s.mu held, so it mutates state directly.
	s.insertFn = func(m remote.Message) error {
		if fired {
			return nil
		}
		fired = true
		stored := m
		stored.ID = uuid.NewString()
		stored.CreatedAt = s.tick()
		s.chats[m.ChatID] = append(s.chats[m.ChatID], stored)
		if m.ClientToken != "" {
			if s.byToken[m.ChatID] == nil {
				s.byToken[m.ChatID] = make(map[string]remote.Ack)
			}
			s.byToken[m.ChatID][m.ClientToken] = remote.Ack{ID: stored.ID, CreatedAt: stored.CreatedAt}
		}
		s.broadcastLocked(remote.Event{Kind: remote.MessageCreated, ChatID: m.ChatID, Message: &stored})
		return err
	}
}

// InsertCalls returns how many Insert attempts the store has seen,
// including failed ones.
func (s *Store) InsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCalls
}

// Messages returns a copy of a chat's stored messages, oldest first.
func (s *Store) Messages(chatID string) []remote.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Message, len(s.chats[chatID]))
	copy(out, s.chats[chatID])
	return out
}

// Seed stores a message directly, bypassing events. For test fixtures.
func (s *Store) Seed(m remote.Message) remote.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.tick()
	} else if m.CreatedAt > s.lastTs {
		s.lastTs = m.CreatedAt
	}
	s.chats[m.ChatID] = append(s.chats[m.ChatID], m)
	if m.ClientToken != "" {
		if s.byToken[m.ChatID] == nil {
			s.byToken[m.ChatID] = make(map[string]remote.Ack)
		}
		s.byToken[m.ChatID][m.ClientToken] = remote.Ack{ID: m.ID, CreatedAt: m.CreatedAt}
	}
	return m
}
