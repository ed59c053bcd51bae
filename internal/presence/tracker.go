// Package presence tracks who is typing in which chat and who is online.
// All state is ephemeral and TTL-bound: nothing here touches the database,
// and a missed expiry event self-heals when the TTL runs out.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Change is the payload for presence.changed events.
type Change struct {
	ChatID string // empty for online/offline changes
	UserID string
	Typing bool
	Online bool
}

// Tracker holds the ephemeral typing/online state and broadcasts our own.
type Tracker struct {
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.Presence
	selfID string
	chats  func() []string // active chats for the heartbeat

	mu       sync.Mutex
	typing   map[string]map[string]time.Time // chatID -> userID -> expiry
	online   map[string]time.Time            // userID -> expiry
	limiters map[string]*rate.Limiter        // chatID -> outbound typing debounce
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTracker creates a tracker. activeChats feeds the presence heartbeat and
// may be nil, which disables it.
func NewTracker(rs remote.Store, b *bus.Bus, cfg config.Presence, selfID string, activeChats func() []string, logger *zap.Logger) *Tracker {
	return &Tracker{
		remote:   rs,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		selfID:   selfID,
		chats:    activeChats,
		typing:   make(map[string]map[string]time.Time),
		online:   make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the expiry sweep and the presence heartbeat.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.sweepLoop(ctx)
	if t.chats != nil {
		t.wg.Add(1)
		go t.heartbeatLoop(ctx)
	}
}

// Stop halts the background loops.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// SetTyping broadcasts that the local user is typing in a chat. Calls are
// debounced per chat so a burst of keystrokes produces one signal per
// debounce window; receivers keep the indicator alive via the TTL.
func (t *Tracker) SetTyping(ctx context.Context, chatID string) error {
	t.mu.Lock()
	lim, ok := t.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.cfg.Debounce()), 1)
		t.limiters[chatID] = lim
	}
	t.mu.Unlock()

	if !lim.Allow() {
		return nil
	}
	return t.remote.UpsertEphemeral(ctx, remote.EphemeralTyping, chatID, t.selfID, "1", t.cfg.TypingTTL())
}

// ClearTyping broadcasts that the local user stopped typing, bypassing the
// debounce. Called when a message is sent so the indicator drops at once.
func (t *Tracker) ClearTyping(ctx context.Context, chatID string) error {
	t.mu.Lock()
	// Fresh limiter so the next keystroke signals immediately.
	t.limiters[chatID] = rate.NewLimiter(rate.Every(t.cfg.Debounce()), 1)
	t.mu.Unlock()
	return t.remote.UpsertEphemeral(ctx, remote.EphemeralTyping, chatID, t.selfID, "0", 0)
}

// ApplyRemote folds a typing or presence event from the change-feed into
// the tracker. Our own echoes are ignored.
func (t *Tracker) ApplyRemote(evt remote.Event) {
	if evt.UserID == "" || evt.UserID == t.selfID {
		return
	}
	switch evt.Kind {
	case remote.TypingChanged:
		t.applyTyping(evt)
	case remote.PresenceChanged:
		t.applyOnline(evt)
	default:
		if t.logger != nil {
			t.logger.Warn("unexpected event kind in presence tracker", zap.String("kind", string(evt.Kind)))
		}
	}
}

func (t *Tracker) applyTyping(evt remote.Event) {
	active := evt.Value == "1"
	ttl := evt.TTL
	if ttl <= 0 {
		ttl = t.cfg.TypingTTL()
	}

	t.mu.Lock()
	changed := false
	if active {
		if t.typing[evt.ChatID] == nil {
			t.typing[evt.ChatID] = make(map[string]time.Time)
		}
		_, was := t.typing[evt.ChatID][evt.UserID]
		t.typing[evt.ChatID][evt.UserID] = time.Now().Add(ttl)
		changed = !was
	} else {
		if _, was := t.typing[evt.ChatID][evt.UserID]; was {
			delete(t.typing[evt.ChatID], evt.UserID)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish(Change{ChatID: evt.ChatID, UserID: evt.UserID, Typing: active, Online: t.Online(evt.UserID)})
	}
}

func (t *Tracker) applyOnline(evt remote.Event) {
	online := evt.Value == "1"
	ttl := evt.TTL
	if ttl <= 0 {
		ttl = t.cfg.PresenceTTL()
	}

	t.mu.Lock()
	_, was := t.online[evt.UserID]
	if online {
		t.online[evt.UserID] = time.Now().Add(ttl)
	} else {
		delete(t.online, evt.UserID)
	}
	t.mu.Unlock()

	if was != online {
		t.publish(Change{UserID: evt.UserID, Online: online})
	}
}

// Typing returns the users currently typing in a chat, sorted.
func (t *Tracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(t.typing[chatID]))
	for userID, expiry := range t.typing[chatID] {
		if expiry.After(now) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// Online reports whether a user's presence heartbeat is still fresh.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID].After(time.Now())
}

// sweepLoop expires stale typing and presence entries. The sweep is the
// fallback for lost "stopped typing" events: the TTL bounds how long a
// stuck indicator can live.
func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Sweep())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	var changes []Change

	t.mu.Lock()
	for chatID, users := range t.typing {
		for userID, expiry := range users {
			if !expiry.After(now) {
				delete(users, userID)
				changes = append(changes, Change{ChatID: chatID, UserID: userID})
			}
		}
		if len(users) == 0 {
			delete(t.typing, chatID)
		}
	}
	for userID, expiry := range t.online {
		if !expiry.After(now) {
			delete(t.online, userID)
			changes = append(changes, Change{UserID: userID})
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.publish(c)
	}
}

// heartbeatLoop re-broadcasts our own presence to every active chat at a
// third of the TTL, so one lost heartbeat never flips us offline.
func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := t.cfg.PresenceTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.heartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			t.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) heartbeat(ctx context.Context) {
	for _, chatID := range t.chats() {
		if err := t.remote.UpsertEphemeral(ctx, remote.EphemeralPresence, chatID, t.selfID, "1", t.cfg.PresenceTTL()); err != nil {
			if t.logger != nil {
				t.logger.Warn("presence heartbeat failed", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
	}
}

func (t *Tracker) publish(c Change) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Timestamp: time.Now(), Payload: c})
}
