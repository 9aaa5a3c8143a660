/*
Package cache provides an in-memory, byte-range-keyed LRU cache for
record bodies served by the FUSE mount.

A mount exposes record properties as file contents reconstructed from
the directory's index and blob storage; re-reading the same byte range
of the same record on every lookup would otherwise hit the index (and,
for remote properties, blobstore) on every read syscall. LRUCache sits
between internal/mount's filesystem nodes and that slower path, keyed
on the exact (key, offset, size) tuple a read requested so that a
partial re-read of a different range is treated as a fresh miss rather
than approximated from an overlapping cached range.

# Usage

	c := cache.NewLRUCache(&cache.CacheConfig{
		MaxSize:    64 << 20,
		MaxEntries: 4096,
		TTL:        5 * time.Minute,
	})
	if data := c.Get(key, offset, size); data != nil {
		return data, nil
	}
	data, err := fetch(key, offset, size)
	if err == nil {
		c.Put(key, offset, data) // cached under (key, offset, len(data))
	}

# Eviction

Entries are evicted by recency (container/list, moved-to-front on
access) once MaxEntries or MaxSize is exceeded, and lazily by TTL on a
background cleanup tick (defaulted independently of CacheConfig's zero
value, see cleanupExpired).
*/
package cache
