// Package ptrcache implements the pointer cache of §4.3: an advisory,
// capacity-bounded map from (node, chunk index) to either a present
// chunk pointer or a known-missing (sparse) chunk, used to amortize
// B-tree lookups across multi-chunk reads and writes.
package ptrcache

import "github.com/pagedfs/pagedfs/storage/allocator"

// Capacity is the maximum number of entries the cache holds before a
// clear-and-restart.
const Capacity = 10000

// prefetchMin and prefetchMax bound how many chunks add_range will scan
// ahead of the requested range on a miss.
const (
	prefetchMin = 100
	prefetchMax = 1024
)

// Key identifies one chunk slot.
type Key struct {
	Node  uint64
	Index uint32
}

// Entry is either a present pointer or a known-missing (sparse) chunk.
type Entry struct {
	Exists bool
	Ptr    allocator.Ptr
}

// ChunkMap is the authoritative (node, index) -> ptr source the cache
// consults on a miss; the V2 chunk store implements it.
type ChunkMap interface {
	// Range calls fn for every present (node, index) with from <= index <
	// to, in ascending index order, until fn returns false.
	Range(node uint64, from, to uint32, fn func(index uint32, ptr allocator.Ptr) bool)
}

// Cache is the pointer cache itself.
type Cache struct {
	entries map[Key]Entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]Entry)}
}

// Get returns the cached entry for (node, index), if any.
func (c *Cache) Get(node uint64, index uint32) (Entry, bool) {
	e, ok := c.entries[Key{node, index}]
	return e, ok
}

// Clear wipes the cache.
func (c *Cache) Clear() {
	c.entries = make(map[Key]Entry)
}

func (c *Cache) set(node uint64, index uint32, e Entry) {
	if len(c.entries) >= Capacity {
		c.Clear()
	}
	c.entries[Key{node, index}] = e
}

// Set records an authoritative entry for (node, index) directly,
// without a B-tree scan. Used after a write mints a fresh chunk pointer
// so the cache doesn't keep serving its previous Missing verdict.
func (c *Cache) Set(node uint64, index uint32, e Entry) {
	c.set(node, index, e)
}

// AddRange scans the authoritative chunk map over [from, to) for node,
// filling present entries with Exists, and the gaps with Missing,
// clamped to [from+prefetchMin, from+prefetchMax) chunks of prefetch
// beyond the requested range.
func (c *Cache) AddRange(node uint64, from, to uint32, chunks ChunkMap) {
	limit := from + prefetchMax
	if limit < from { // overflow guard
		limit = ^uint32(0)
	}
	if to < from+prefetchMin {
		to = from + prefetchMin
	}
	if to > limit {
		to = limit
	}

	next := from
	chunks.Range(node, from, to, func(index uint32, ptr allocator.Ptr) bool {
		for ; next < index; next++ {
			c.set(node, next, Entry{Exists: false})
		}
		c.set(node, index, Entry{Exists: true, Ptr: ptr})
		next = index + 1
		return true
	})
	for ; next < to; next++ {
		c.set(node, next, Entry{Exists: false})
	}
}
