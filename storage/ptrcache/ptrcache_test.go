package ptrcache

import (
	"testing"

	"github.com/pagedfs/pagedfs/storage/allocator"
)

type fakeChunkMap struct {
	present map[uint32]allocator.Ptr
}

func (f *fakeChunkMap) Range(node uint64, from, to uint32, fn func(index uint32, ptr allocator.Ptr) bool) {
	for idx := from; idx < to; idx++ {
		if ptr, ok := f.present[idx]; ok {
			if !fn(idx, ptr) {
				return
			}
		}
	}
}

func TestAddRangeFillsPresentAndMissingEntries(t *testing.T) {
	c := New()
	chunks := &fakeChunkMap{present: map[uint32]allocator.Ptr{2: 200}}
	c.AddRange(1, 0, 5, chunks)

	if e, ok := c.Get(1, 2); !ok || !e.Exists || e.Ptr != 200 {
		t.Fatalf("Get(1,2) = %+v, %v, want present ptr 200", e, ok)
	}
	if e, ok := c.Get(1, 0); !ok || e.Exists {
		t.Fatalf("Get(1,0) = %+v, %v, want cached Missing", e, ok)
	}
}

func TestAddRangeClampsPrefetchWindow(t *testing.T) {
	c := New()
	chunks := &fakeChunkMap{present: map[uint32]allocator.Ptr{}}
	// Request [0,1): the prefetch should extend at least to from+prefetchMin
	// and never beyond from+prefetchMax.
	c.AddRange(1, 0, 1, chunks)
	if _, ok := c.Get(1, prefetchMin-1); !ok {
		t.Fatalf("AddRange should prefetch at least to from+prefetchMin-1")
	}
	if _, ok := c.Get(1, prefetchMax); ok {
		t.Fatalf("AddRange should never prefetch as far as from+prefetchMax")
	}
}

func TestSetOverridesCachedEntryDirectly(t *testing.T) {
	c := New()
	c.Set(1, 0, Entry{Exists: false})
	c.Set(1, 0, Entry{Exists: true, Ptr: 42})
	e, ok := c.Get(1, 0)
	if !ok || !e.Exists || e.Ptr != 42 {
		t.Fatalf("Get(1,0) = %+v, %v, want present ptr 42", e, ok)
	}
}

func TestClearOnOverflow(t *testing.T) {
	c := New()
	for i := 0; i < Capacity; i++ {
		c.Set(1, uint32(i), Entry{Exists: true, Ptr: allocator.Ptr(i)})
	}
	// One more entry should trigger a clear-and-restart rather than an
	// eviction of a single old entry.
	c.Set(1, Capacity, Entry{Exists: true, Ptr: 999})
	if _, ok := c.Get(1, 0); ok {
		t.Fatal("overflow should clear every previously cached entry, not just make room for one")
	}
	if e, ok := c.Get(1, Capacity); !ok || e.Ptr != 999 {
		t.Fatal("the entry that triggered the overflow should itself survive the clear")
	}
}
