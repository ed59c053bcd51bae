// Package notify drains notify.message events into a pluggable sink, the
// hook point for OS notifications. Fire and forget: the reconciler already
// decided what warrants a notification, this just delivers it.
package notify

import (
	"context"

	"github.com/mlago/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Notification describes one new incoming message.
type Notification struct {
	ChatID   string
	MsgID    string
	AuthorID string
}

// Sink receives notifications. Implementations must not block.
type Sink func(n Notification)

// Notifier bridges the event bus to a notification sink.
type Notifier struct {
	bus    *bus.Bus
	sink   Sink
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier. A nil sink logs notifications instead.
func NewNotifier(b *bus.Bus, sink Sink, logger *zap.Logger) *Notifier {
	return &Notifier{bus: b, sink: sink, logger: logger}
}

// Start begins draining notify.message events.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	events, unsub := n.bus.Subscribe(bus.KindNotifyMessage, 64)
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				msg, ok := evt.Payload.(bus.NewMessage)
				if !ok {
					continue
				}
				n.deliver(Notification{ChatID: msg.ChatID, MsgID: msg.MsgID, AuthorID: msg.AuthorID})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts delivery. Buffered events are dropped; notifications are not
// durable by design.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

func (n *Notifier) deliver(note Notification) {
	if n.sink != nil {
		n.sink(note)
		return
	}
	if n.logger != nil {
		n.logger.Info("new message",
			zap.String("chat_id", note.ChatID),
			zap.String("msg_id", note.MsgID),
			zap.String("author_id", note.AuthorID))
	}
}
