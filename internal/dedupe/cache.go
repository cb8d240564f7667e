// ABOUTME: Thread-safe TTL cache of provider message ids already ingested
// ABOUTME: Lets the reconciler skip webhook redeliveries without touching the database

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one inbound message: the sender address plus the provider's message id.
type Key struct {
	ExternalID        string
	ProviderMessageID string
}

type cacheEntry struct {
	key      Key
	markedAt time.Time
}

// Cache remembers recently ingested message keys for a bounded time and
// count. The oldest key is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*list.Element
	order   *list.List // *cacheEntry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its janitor goroutine. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.janitor(time.Minute)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[Key]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(elem.Value.(*cacheEntry).markedAt) < c.ttl
}

// Mark records key as ingested. Call it only after the message is committed,
// so a failed write is retried on redelivery.
func (c *Cache) Mark(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).markedAt = now
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeElement(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, markedAt: now})
}

// Forget drops every key belonging to externalID, used when a contact's
// history is removed so redelivered messages are ingested again.
func (c *Cache) Forget(externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if key.ExternalID == externalID {
			c.removeElement(elem)
		}
	}
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeElement must be called with mu held.
func (c *Cache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.key)
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

// purgeExpired walks from the oldest entry and stops at the first live one.
func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Sub(elem.Value.(*cacheEntry).markedAt) < c.ttl {
			return
		}
		c.removeElement(elem)
	}
}

// Close stops the janitor goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
