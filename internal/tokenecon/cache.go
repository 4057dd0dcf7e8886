package tokenecon

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// CacheKey derives a stable cache key from a prompt and an optional context
// hash.
func CacheKey(prompt, contextHash string) string {
	sum := md5.Sum([]byte(prompt + "|" + contextHash))
	return hex.EncodeToString(sum[:])
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries     int     `json:"entries"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

type cacheEntry struct {
	key         string
	value       map[string]any
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
}

// Cache is an LRU cache with per-entry TTL.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List
	entries    map[string]*list.Element

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	now func() time.Time
}

// NewCache creates a cache holding at most maxEntries values for at most
// ttl each.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		entries:    make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the cached value for key. Expired entries are removed and
// count as misses; hits are promoted to most recently used.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.createdAt) > c.ttl {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		return nil, false
	}
	entry.lastAccess = c.now()
	entry.accessCount++
	c.ll.MoveToFront(elem)
	c.hits++
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry on
// overflow.
func (c *Cache) Set(key string, value map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.createdAt = c.now()
		entry.lastAccess = c.now()
		c.ll.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, value: value, createdAt: c.now(), lastAccess: c.now()}
	c.entries[key] = c.ll.PushFront(entry)

	for len(c.entries) > c.maxEntries {
		if back := c.ll.Back(); back != nil {
			c.removeElement(back)
			c.evictions++
		}
	}
}

// Clear drops every entry and returns the number removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.ll.Init()
	c.entries = make(map[string]*list.Element)
	return n
}

// ClearPattern drops every entry whose key starts with prefix and returns
// the number removed.
func (c *Cache) ClearPattern(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// CleanupExpired drops every expired entry and returns the number removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, elem := range c.entries {
		if now.Sub(elem.Value.(*cacheEntry).createdAt) > c.ttl {
			c.removeElement(elem)
			c.expirations++
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *Cache) removeElement(elem *list.Element) {
	c.ll.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).key)
}
