package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// LRUCache is a thread-safe, byte-range-keyed LRU cache.
type LRUCache struct {
	mu          sync.RWMutex
	capacity    int64
	currentSize int64
	items       map[string]*cacheItem
	evictList   *list.List

	config *CacheConfig
	stats  CacheStats
}

// CacheConfig configures an LRUCache.
type CacheConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CacheStats reports cumulative cache effectiveness.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	HitRate     float64
	Size        int64
	Capacity    int64
	Utilization float64
}

type cacheItem struct {
	data      []byte
	size      int64
	timestamp time.Time
	element   *list.Element
}

// NewLRUCache creates a new LRU cache. A nil config takes conservative
// in-process defaults; a non-nil config's zero CleanupInterval is
// defaulted independently inside cleanupExpired.
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = &CacheConfig{
			MaxSize:         2 * 1024 * 1024 * 1024,
			MaxEntries:      100000,
			TTL:             5 * time.Minute,
			CleanupInterval: time.Minute,
		}
	}

	c := &LRUCache{
		capacity:  config.MaxSize,
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    config,
		stats:     CacheStats{Capacity: config.MaxSize},
	}

	go c.cleanupExpired()

	return c
}

// Get returns a copy of the cached bytes for the exact (key, offset,
// size) tuple, or nil on a miss or expiry.
func (c *LRUCache) Get(key string, offset, size int64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	cacheKey := c.makeCacheKey(key, offset, size)
	item, exists := c.items[cacheKey]
	if !exists {
		c.stats.Misses++
		return nil
	}
	if c.isExpired(item) {
		c.removeItem(cacheKey)
		c.stats.Misses++
		return nil
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()

	result := make([]byte, len(item.data))
	copy(result, item.data)
	return result
}

// Put stores data under (key, offset, len(data)).
func (c *LRUCache) Put(key string, offset int64, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	cacheKey := c.makeCacheKey(key, offset, size)

	if item, exists := c.items[cacheKey]; exists {
		c.currentSize -= item.size
		item.data = append([]byte(nil), data...)
		item.size = size
		item.timestamp = time.Now()
		c.currentSize += size
		c.evictList.MoveToFront(item.element)
		return
	}

	item := &cacheItem{
		data:      append([]byte(nil), data...),
		size:      size,
		timestamp: time.Now(),
	}
	item.element = c.evictList.PushFront(cacheKey)
	c.items[cacheKey] = item
	c.currentSize += size

	c.evictIfNeeded()
}

// Delete removes every cached range whose key has the given prefix.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toDelete []string
	for cacheKey := range c.items {
		if len(cacheKey) >= len(key) && cacheKey[:len(key)] == key {
			toDelete = append(toDelete, cacheKey)
		}
	}
	for _, cacheKey := range toDelete {
		c.removeItem(cacheKey)
	}
}

// Size returns the current total cached byte count.
func (c *LRUCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Stats returns a snapshot of cache effectiveness counters.
func (c *LRUCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Size = c.currentSize
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}
	return stats
}

// Clear empties the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
	c.currentSize = 0
}

func (c *LRUCache) makeCacheKey(key string, offset, size int64) string {
	return fmt.Sprintf("%s:%d:%d", key, offset, size)
}

func (c *LRUCache) isExpired(item *cacheItem) bool {
	if c.config.TTL == 0 {
		return false
	}
	return time.Since(item.timestamp) > c.config.TTL
}

func (c *LRUCache) removeItem(key string) {
	item, exists := c.items[key]
	if !exists {
		return
	}
	c.evictList.Remove(item.element)
	delete(c.items, key)
	c.currentSize -= item.size
	c.stats.Evictions++
}

func (c *LRUCache) evictIfNeeded() {
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}
	maxEntries := c.config.MaxEntries
	if maxEntries > 0 {
		for len(c.items) > maxEntries && c.evictList.Len() > 0 {
			c.evictOldest()
		}
	}
}

func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(string))
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *LRUCache) cleanupExpired() {
	interval := c.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		var expired []string
		for key, item := range c.items {
			if c.isExpired(item) {
				expired = append(expired, key)
			}
		}
		for _, key := range expired {
			c.removeItem(key)
		}
		c.mu.Unlock()
	}
}
