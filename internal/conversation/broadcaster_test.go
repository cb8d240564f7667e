// ABOUTME: Tests for the EventBroadcaster fan-out used by the SSE endpoint
// ABOUTME: Covers per-contact and all-contact subscriptions, slow consumers, cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-gateway/internal/notify"
)

func makeUpdate(contactID, messageID string) notify.Update {
	return notify.Update{
		Kind:      notify.KindMessageCreated,
		ContactID: contactID,
		MessageID: messageID,
		At:        time.Now(),
	}
}

func receive(t *testing.T, ch <-chan notify.Update) notify.Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return notify.Update{}
	}
}

func assertNothing(t *testing.T, ch <-chan notify.Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_ContactSubscriberReceivesUpdate(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "contact-1")
	b.Notify(context.Background(), makeUpdate("contact-1", "m1"))

	assert.Equal(t, "m1", receive(t, ch).MessageID)
}

func TestBroadcaster_AllContactsReceivesEverything(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllContacts)
	b.Notify(context.Background(), makeUpdate("contact-1", "m1"))
	b.Notify(context.Background(), makeUpdate("contact-2", "m2"))

	assert.Equal(t, "m1", receive(t, all).MessageID)
	assert.Equal(t, "m2", receive(t, all).MessageID)
}

func TestBroadcaster_ContactsAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "contact-1")
	ch2, _ := b.Subscribe(t.Context(), "contact-2")

	b.Notify(context.Background(), makeUpdate("contact-1", "m1"))

	assert.Equal(t, "m1", receive(t, ch1).MessageID)
	assertNothing(t, ch2)
}

func TestBroadcaster_SlowConsumerDoesNotBlockNotify(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	// Never read from the first subscriber
	_, _ = b.Subscribe(t.Context(), "contact-1")
	fast, _ := b.Subscribe(t.Context(), "contact-1")

	done := make(chan struct{})
	go func() {
		for range 3 * subscriberBufferSize {
			b.Notify(context.Background(), makeUpdate("contact-1", "m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked on a slow subscriber")
	}
	assert.Len(t, fast, subscriberBufferSize)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "contact-1")
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "contact-1")
	b.Unsubscribe("contact-1", subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Unknown subscriptions and notifying afterwards are harmless
	b.Unsubscribe("contact-1", subID)
	b.Unsubscribe("nobody", "nothing")
	b.Notify(context.Background(), makeUpdate("contact-1", "m1"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewEventBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "contact-1")
	ch2, _ := b.Subscribe(t.Context(), AllContacts)

	b.Close()

	for i, ch := range []<-chan notify.Update{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	late, _ := b.Subscribe(t.Context(), "contact-1")
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close returns a closed channel")
}

func TestBroadcaster_ConcurrentNotifySubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx, AllContacts)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Notify(context.Background(), makeUpdate("contact-1", "m"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "contact-1")
	_, id2 := b.Subscribe(t.Context(), "contact-1")

	require.NotEqual(t, id1, id2)
}
