// Package dedupe suppresses redelivered webhook events by message id.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Cache is a TTL'd, capacity-bounded record of message ids already accepted
// for processing. Entries expire lazily on access; when the cache is full the
// oldest entry is evicted first. Capacity eviction is a memory bound only:
// an evicted id may be processed again, but an id inside its TTL window is
// never reported as new twice.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front; insertion order is arrival order
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a dedup cache keeping ids for ttl, holding at most maxSize
// entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether id was already seen within the TTL window and,
// if not, records it atomically. Returns true for duplicates.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if elem, ok := c.seen[id]; ok {
		if now.Sub(elem.Value.(entry).seenAt) < c.ttl {
			return true
		}
		// Expired but still resident: drop and fall through to re-record.
		c.order.Remove(elem)
		delete(c.seen, id)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[id] = c.order.PushBack(entry{id: id, seenAt: now})
	return false
}

// Len returns the number of live entries, after purging expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired(c.now())
	return len(c.seen)
}

// purgeExpired drops expired entries from the front of the list. Insertion
// order equals time order, so the scan stops at the first live entry.
// Must be called with mu held.
func (c *Cache) purgeExpired(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.id)
	}
}

// evictOldest removes the single oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(entry)
	c.order.Remove(front)
	delete(c.seen, e.id)
}
