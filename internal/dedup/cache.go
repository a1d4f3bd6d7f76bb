// Package dedup provides at-most-once admission of keys within a time window.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Admitter grants the first caller for a key within a window.
type Admitter interface {
	// Admit returns true exactly once per key until its window elapses.
	Admit(ctx context.Context, key string, window time.Duration) bool
	// Release forgets one admission, e.g. when the write it guarded failed.
	Release(ctx context.Context, key string)
	// Reset forgets every admission.
	Reset(ctx context.Context) error
}

// MechanicKey is the admission key for a click on a mechanic from one address.
func MechanicKey(mechanicID int64, addr string) string {
	return fmt.Sprintf("click:%d:%s", mechanicID, addr)
}

type entry struct {
	key       string
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Size      int
	Capacity  int
	Admitted  int64
	Rejected  int64
	Evictions int64
}

// Cache is a bounded in-process Admitter. Entries expire lazily; when the
// cache is full the least recently touched entry is evicted, even if its
// window is still open.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry

	// head.next is the most recently touched entry, tail.prev the least.
	head *entry
	tail *entry

	now func() time.Time

	admitted  int64
	rejected  int64
	evictions int64
}

// NewCache creates a cache holding at most capacity keys.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	c := &Cache{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
		now:      time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Admit implements Admitter. The check and the insert happen under one lock,
// so concurrent callers racing on a key see exactly one true.
func (c *Cache) Admit(_ context.Context, key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.items[key]; ok {
		if now.Before(e.expiresAt) {
			c.moveToFront(e)
			c.rejected++
			return false
		}
		c.removeEntry(e)
	}

	e := &entry{key: key, expiresAt: now.Add(window)}
	c.addToFront(e)
	c.items[key] = e
	for len(c.items) > c.capacity {
		c.evictOldest()
	}
	c.admitted++
	return true
}

// Release implements Admitter.
func (c *Cache) Release(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeEntry(e)
	}
}

// Reset implements Admitter.
func (c *Cache) Reset(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
	return nil
}

// CleanupExpired drops every expired entry and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if !now.Before(e.expiresAt) {
			c.removeEntry(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Len returns the number of stored keys, including expired ones not yet collected.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns counters since construction.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.items),
		Capacity:  c.capacity,
		Admitted:  c.admitted,
		Rejected:  c.rejected,
		Evictions: c.evictions,
	}
}

// RunJanitor calls CleanupExpired every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired()
		}
	}
}

func (c *Cache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *Cache) removeEntry(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *Cache) evictOldest() {
	if oldest := c.tail.prev; oldest != c.head {
		c.removeEntry(oldest)
		c.evictions++
	}
}
