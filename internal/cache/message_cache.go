// Package cache provides the receiver-side idempotency cache.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/glimte/conduit-go/contracts"
)

type cacheEntry struct {
	messageID string
	response  *contracts.Response
	expiresAt time.Time
}

// MessageCache maps a message id to the response already computed for it.
// It holds at most maxSize entries, evicting the oldest insertion first, and
// treats entries older than ttl as absent even before they are swept.
type MessageCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front is oldest
	items   map[string]*list.Element
	hits    uint64
	misses  uint64

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMessageCache creates a cache and starts its background sweep.
func NewMessageCache(maxSize int, ttl time.Duration) *MessageCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &MessageCache{
		maxSize:  maxSize,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < time.Second:
		return ttl
	case ttl > time.Minute:
		return time.Minute
	default:
		return ttl
	}
}

// Get returns the cached response for messageID if it has not expired.
func (c *MessageCache) Get(messageID string) (*contracts.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[messageID]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.response, true
}

// Set stores response under messageID, evicting the oldest entries beyond the bound.
func (c *MessageCache) Set(messageID string, response *contracts.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[messageID]; ok {
		c.removeElement(elem)
	}

	elem := c.order.PushBack(&cacheEntry{
		messageID: messageID,
		response:  response,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[messageID] = elem

	for c.order.Len() > c.maxSize {
		c.removeElement(c.order.Front())
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the hit and miss counters.
func (c *MessageCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Destroy stops the sweep and drops every entry. It is safe to call more than once.
func (c *MessageCache) Destroy() {
	c.once.Do(func() {
		close(c.shutdown)
		<-c.done

		c.mu.Lock()
		c.order.Init()
		c.items = make(map[string]*list.Element)
		c.mu.Unlock()
	})
}

func (c *MessageCache) removeElement(elem *list.Element) {
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.items, entry.messageID)
}

// removeExpired drops expired entries. Entries are in insertion order and share
// one ttl, so the scan stops at the first live entry.
func (c *MessageCache) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		entry := elem.Value.(*cacheEntry)
		if !now.After(entry.expiresAt) {
			break
		}
		next := elem.Next()
		c.removeElement(elem)
		removed++
		elem = next
	}
	return removed
}

func (c *MessageCache) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.shutdown:
			return
		}
	}
}
