// Package broker fans session notifications out to real-time subscribers.
//
// Each notification is addressed to topics (account:<id>, user:<id>,
// session:<id>). With a Notifier configured, Publish goes through Postgres
// NOTIFY so that every instance, including this one, delivers it to its own
// subscribers from the LISTEN loop. Without one, delivery is in-process.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/storage"
)

// Publisher sends a notification to topics. Implementations must not block
// on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, n model.Notification, topics ...string)
}

// Notifier is the LISTEN/NOTIFY surface of storage.DB.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

// envelope is the NOTIFY payload.
type envelope struct {
	Topics       []string           `json:"topics"`
	Notification model.Notification `json:"notification"`
}

// Broker is a topic-based fan-out to subscriber channels.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]map[string]struct{}
}

var _ Publisher = (*Broker)(nil)

// New creates a broker. notifier may be nil for single-instance delivery.
// With a notifier, call Start to begin listening.
func New(notifier Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    notifier,
		logger:      logger,
		subscribers: make(map[chan []byte]map[string]struct{}),
	}
}

// Mode names the delivery path, for health reporting.
func (b *Broker) Mode() string {
	if b.notifier != nil {
		return "postgres"
	}
	return "local"
}

// Start listens for notifications from every instance and delivers them to
// local subscribers. It blocks, so call it in a goroutine. Returns when ctx
// is cancelled or immediately when no notifier is configured.
func (b *Broker) Start(ctx context.Context) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Listen(ctx, storage.ChannelNotifications); err != nil {
		b.logger.Error("broker: listen", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelNotifications)

	for {
		_, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			b.logger.Warn("broker: malformed notification", "error", err)
			continue
		}
		b.deliver(env.Topics, env.Notification)
	}
}

// Publish sends n to every subscriber of any of topics.
func (b *Broker) Publish(ctx context.Context, n model.Notification, topics ...string) {
	if b.notifier == nil {
		b.deliver(topics, n)
		return
	}

	payload, err := json.Marshal(envelope{Topics: topics, Notification: n})
	if err != nil {
		b.logger.Error("broker: marshal notification", "error", err, "session_id", n.SessionID)
		return
	}
	if len(payload) > maxNotifyPayload {
		b.logger.Warn("broker: notification too large for NOTIFY, delivering locally",
			"session_id", n.SessionID, "type", n.Type, "bytes", len(payload))
		b.deliver(topics, n)
		return
	}
	if err := b.notifier.Notify(ctx, storage.ChannelNotifications, string(payload)); err != nil {
		b.logger.Warn("broker: notify failed, delivering locally", "error", err, "session_id", n.SessionID)
		b.deliver(topics, n)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for topics.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(topics ...string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	b.mu.Lock()
	b.subscribers[ch] = set
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) deliver(topics []string, n model.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("broker: marshal notification", "error", err)
		return
	}
	b.broadcast(topics, formatSSE(string(n.Type), string(data)))
}

// broadcast sends an event once to every subscriber of any of topics. Slow
// subscribers with a full buffer are skipped (their event is dropped) so one
// slow client cannot block the others.
func (b *Broker) broadcast(topics []string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, subscribed := range b.subscribers {
		if !matches(subscribed, topics) {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, dropping event")
		}
	}
}

func matches(subscribed map[string]struct{}, topics []string) bool {
	for _, t := range topics {
		if _, ok := subscribed[t]; ok {
			return true
		}
	}
	return false
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
