package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLRUCacheDefaultsWhenConfigNil(t *testing.T) {
	c := NewLRUCache(nil)
	require.NotNil(t, c)
	assert.Equal(t, int64(2*1024*1024*1024), c.capacity)
	assert.Equal(t, 5*time.Minute, c.config.TTL)
}

func TestNewLRUCacheAppliesCustomConfig(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, MaxEntries: 100, TTL: time.Minute})
	assert.Equal(t, int64(1024*1024), c.capacity)
	assert.Equal(t, 100, c.config.MaxEntries)
	assert.Equal(t, time.Minute, c.config.TTL)
}

func TestLRUCachePutGetRoundTrips(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, MaxEntries: 100, TTL: time.Hour})

	data := []byte("hello world")
	c.Put("test-object", 0, data)

	got := c.Get("test-object", 0, int64(len(data)))
	require.NotNil(t, got)
	assert.Equal(t, data, got)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 0, stats.Misses)
}

func TestLRUCacheGetMissCountsAsMiss(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, TTL: time.Hour})

	assert.Nil(t, c.Get("nonexistent", 0, 100))
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestLRUCachePutIgnoresEmptyData(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024})

	c.Put("test", 0, []byte{})
	c.Put("test", 0, nil)

	assert.Len(t, c.items, 0)
}

func TestLRUCachePutOverwritesSameKey(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, TTL: time.Hour})

	c.Put("test", 0, []byte("first"))
	c.Put("test", 0, []byte("again")) // same length -> same cache key

	got := c.Get("test", 0, 5)
	assert.Equal(t, []byte("again"), got)
	assert.Len(t, c.items, 1)
}

func TestLRUCacheEvictsLeastRecentlyUsedByCount(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 100, MaxEntries: 3, TTL: time.Hour})

	c.Put("key1", 0, []byte("data1"))
	c.Put("key2", 0, []byte("data2"))
	c.Put("key3", 0, []byte("data3"))
	require.Len(t, c.items, 3)

	c.Put("key4", 0, []byte("data4"))
	assert.Len(t, c.items, 3)

	assert.Nil(t, c.Get("key1", 0, 5), "oldest entry should have been evicted")
	assert.NotNil(t, c.Get("key2", 0, 5))
	assert.NotNil(t, c.Get("key3", 0, 5))
	assert.NotNil(t, c.Get("key4", 0, 5))
}

func TestLRUCacheEvictsBySize(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 50, MaxEntries: 100, TTL: time.Hour})

	c.Put("key1", 0, make([]byte, 20))
	c.Put("key2", 0, make([]byte, 20))
	require.EqualValues(t, 40, c.Size())

	c.Put("key3", 0, make([]byte, 20))

	assert.LessOrEqual(t, c.Size(), int64(50))
	assert.Nil(t, c.Get("key1", 0, 20))
}

func TestLRUCacheTTLExpiration(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, TTL: 50 * time.Millisecond})

	c.Put("test", 0, []byte("data"))
	require.NotNil(t, c.Get("test", 0, 4))

	time.Sleep(75 * time.Millisecond)

	assert.Nil(t, c.Get("test", 0, 4))
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestLRUCacheDeleteRemovesByKeyPrefix(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, TTL: time.Hour})

	c.Put("user:123", 0, []byte("data1"))
	c.Put("user:123", 100, []byte("data2"))
	c.Put("user:456", 0, []byte("data3"))
	require.Len(t, c.items, 3)

	c.Delete("user:123")

	assert.Len(t, c.items, 1)
	assert.Nil(t, c.Get("user:123", 0, 5))
	assert.NotNil(t, c.Get("user:456", 0, 5))
}

func TestLRUCacheClearEmptiesCache(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024 * 1024, TTL: time.Hour})

	for i := 0; i < 10; i++ {
		c.Put("key", int64(i*100), []byte("data"))
	}
	require.Len(t, c.items, 10)

	c.Clear()

	assert.Len(t, c.items, 0)
	assert.EqualValues(t, 0, c.Size())
}

func TestLRUCacheConcurrentAccessDoesNotRace(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 10 * 1024 * 1024, MaxEntries: 1000, TTL: time.Hour})

	var wg sync.WaitGroup
	const goroutines = 50
	const opsEach = 100

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsEach; j++ {
				c.Put("key", int64(id*opsEach+j), []byte("data"))
			}
		}(i)
	}
	wg.Wait()

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsEach; j++ {
				c.Get("key", int64(id*opsEach+j), 4)
			}
		}(i)
	}
	wg.Wait()
}

func TestLRUCacheStatsTracksHitRateAndUtilization(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024, MaxEntries: 10, TTL: time.Hour})

	stats := c.Stats()
	assert.EqualValues(t, 0, stats.Hits)
	assert.EqualValues(t, 0, stats.Misses)

	c.Get("nonexistent", 0, 4) // miss
	c.Put("key1", 0, []byte("data"))
	c.Get("key1", 0, 4) // hit

	stats = c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.EqualValues(t, 4, stats.Size)
	assert.EqualValues(t, 1024, stats.Capacity)
	assert.Equal(t, float64(4)/float64(1024), stats.Utilization)
}

func TestLRUCacheGetReturnsIsolatedCopy(t *testing.T) {
	c := NewLRUCache(&CacheConfig{MaxSize: 1024, TTL: time.Hour})

	original := []byte("original data")
	c.Put("key", 0, original)

	retrieved := c.Get("key", 0, int64(len(original)))
	require.NotNil(t, retrieved)
	retrieved[0] = 'X'

	retrieved2 := c.Get("key", 0, int64(len(original)))
	require.NotNil(t, retrieved2)
	assert.Equal(t, byte('o'), retrieved2[0], "cached data must be isolated from caller mutation")
}
