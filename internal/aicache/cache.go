// Package aicache is the tier-3 response cache: a bounded LRU with TTL
// keyed by a fast hash of the call input. When the LLM is unavailable and
// the heuristics fail, a recent cached answer for the same input is the
// last line of defense before a safe default.
package aicache

import (
	"container/list"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// Defaults for capacity and entry lifetime.
const (
	DefaultMaxSize = 500
	DefaultTTL     = 3600 * time.Second

	// hashPrefixLen bounds how much of the input feeds the key hash.
	// Long chat messages differ early; hashing more buys nothing.
	hashPrefixLen = 500
)

type entry struct {
	key     string
	value   any
	expires time.Time
}

// Cache is a process-local LRU+TTL map. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recent
	items   map[string]*list.Element

	hits   int64
	misses int64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a cache. Non-positive maxSize or ttl fall back to defaults.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Key builds the cache key for a function name and its input: the name
// plus an FNV-1a hash over the first 500 characters of the input.
func Key(fn, input string) string {
	if len(input) > hashPrefixLen {
		input = input[:hashPrefixLen]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return fn + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// Get returns the cached value for key. Expired entries are removed and
// count as a miss. A hit refreshes the entry's recency.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key. At capacity the least-recently-used entry
// is evicted first.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}

	el := c.order.PushFront(&entry{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
	c.items[key] = el
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns hit/miss counters and sizing for /api/ai-status.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"size":     c.order.Len(),
		"max_size": c.maxSize,
		"ttl_sec":  int(c.ttl / time.Second),
		"hits":     c.hits,
		"misses":   c.misses,
	}
}
