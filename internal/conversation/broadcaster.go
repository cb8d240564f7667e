// ABOUTME: In-memory fan-out of change notifications to dashboard subscribers
// ABOUTME: Feeds the SSE endpoint; subscribers follow one contact or all of them

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/inbox-gateway/internal/notify"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllContacts subscribes to updates for every contact.
	AllContacts = "*"
)

// EventBroadcaster provides in-memory pub/sub for committed updates.
// Subscribers register for a contact ID (or AllContacts) and receive updates
// as they happen, so dashboards need not poll.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan notify.Update // contactID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan notify.Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for updates on contactID. It returns the
// update channel and a subscription ID. The subscription is removed and the
// channel closed when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, contactID string) (<-chan notify.Update, string) {
	subID := uuid.New().String()
	ch := make(chan notify.Update, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[contactID]; !ok {
		b.subscribers[contactID] = make(map[string]chan notify.Update)
	}
	b.subscribers[contactID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "contact_id", contactID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(contactID, subID)
	}()

	return ch, subID
}

// Notify implements notify.Notifier. The update goes to subscribers of its
// contact and to AllContacts subscribers. Slow subscribers miss updates
// rather than block the writer.
func (b *EventBroadcaster) Notify(_ context.Context, u notify.Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := []string{AllContacts}
	if u.ContactID != "" && u.ContactID != AllContacts {
		keys = append(keys, u.ContactID)
	}

	for _, key := range keys {
		for subID, ch := range b.subscribers[key] {
			select {
			case ch <- u:
			default:
				b.logger.Debug("dropped update for slow subscriber", "sub_id", subID, "kind", u.Kind)
			}
		}
	}
}

// SubscriberCount returns how many subscriptions are active.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(contactID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[contactID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, contactID)
	}

	b.logger.Debug("subscriber removed", "contact_id", contactID, "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions get a closed channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for contactID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, contactID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
