// Package v2store implements the V2 chunk store of §4.5: an ordered map
// (node, chunk_index) -> Ptr persisted via storage/pbtree, with chunk
// bytes stored densely in a separate paged arena addressed by Ptr.
package v2store

import (
	"encoding/binary"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/storage/allocator"
	"github.com/pagedfs/pagedfs/storage/pbtree"
)

const keyLen = 12 // node(8) + index(4), big-endian so byte order == numeric order
const valLen = 8   // Ptr, big-endian

// Store is the (node, index) -> Ptr map plus the dense arena the
// pointers address into.
type Store struct {
	m     *pbtree.Map
	arena memory.Memory
	alloc *allocator.Allocator
}

// Open returns a Store over mapMem (the persisted pointer map) and arena
// (the dense chunk-byte region), using alloc to mint and reclaim chunk
// pointers.
func Open(mapMem, arena memory.Memory, alloc *allocator.Allocator) (*Store, error) {
	m, err := pbtree.Open(mapMem, keyLen, valLen)
	if err != nil {
		return nil, err
	}
	return &Store{m: m, arena: arena, alloc: alloc}, nil
}

func encodeKey(node uint64, index uint32) []byte {
	b := make([]byte, keyLen)
	binary.BigEndian.PutUint64(b[0:8], node)
	binary.BigEndian.PutUint32(b[8:12], index)
	return b
}

func decodeIndex(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[8:12])
}

func encodePtr(ptr allocator.Ptr) []byte {
	b := make([]byte, valLen)
	binary.BigEndian.PutUint64(b, uint64(ptr))
	return b
}

func decodePtr(b []byte) allocator.Ptr {
	return allocator.Ptr(binary.BigEndian.Uint64(b))
}

// Get returns the Ptr stored for (node, index), if any.
func (s *Store) Get(node uint64, index uint32) (allocator.Ptr, bool) {
	v, ok := s.m.Get(encodeKey(node, index))
	if !ok {
		return 0, false
	}
	return decodePtr(v), true
}

// Range calls fn for every present (node, index) with from <= index <
// to, in ascending index order, until fn returns false. Satisfies
// ptrcache.ChunkMap.
func (s *Store) Range(node uint64, from, to uint32, fn func(index uint32, ptr allocator.Ptr) bool) {
	lo := encodeKey(node, from)
	hi := encodeKey(node, to)
	s.m.AscendRange(lo, hi, func(key, val []byte) bool {
		return fn(decodeIndex(key), decodePtr(val))
	})
}

// EnsureChunk returns the Ptr backing (node, index), allocating and
// zero-initializing a fresh chunk if none exists yet. keepPrefix and
// keepSuffixFrom describe the byte range of the NEW chunk that a
// subsequent write will NOT overwrite (the [0, chunkOffset) prefix and
// [chunkOffset+toWrite, chunkSize) suffix of §4.5 step 2), which must be
// zero-filled so sparse reads through them return zeros.
func (s *Store) EnsureChunk(node uint64, index uint32, keepPrefix, keepSuffixFrom uint64) allocator.Ptr {
	if ptr, ok := s.Get(node, index); ok {
		return ptr
	}
	ptr := s.alloc.Allocate()
	chunkSize := s.alloc.ChunkSize()
	memory.GrowTo(s.arena, uint64(ptr)+chunkSize-1)

	zeros := make([]byte, chunkSize)
	if keepPrefix > 0 {
		s.arena.Write(uint64(ptr), zeros[:keepPrefix])
	}
	if keepSuffixFrom < chunkSize {
		s.arena.Write(uint64(ptr)+keepSuffixFrom, zeros[:chunkSize-keepSuffixFrom])
	}

	s.m.Put(encodeKey(node, index), encodePtr(ptr))
	return ptr
}

// ReadAt reads the byte range [chunkOffset, chunkOffset+len(buf)) of the
// chunk at ptr into buf.
func (s *Store) ReadAt(ptr allocator.Ptr, chunkOffset uint64, buf []byte) {
	s.arena.Read(uint64(ptr)+chunkOffset, buf)
}

// WriteAt writes buf into the chunk at ptr, starting at chunkOffset.
func (s *Store) WriteAt(ptr allocator.Ptr, chunkOffset uint64, buf []byte) {
	s.arena.Write(uint64(ptr)+chunkOffset, buf)
}

// DeleteRange removes every (node, index) mapping with from <= index <
// to, freeing their chunk pointers back to the allocator. Key ranges are
// materialized into a local slice first so the map is never mutated
// while being iterated (§9: "avoid iterating a B-tree while mutating
// it").
func (s *Store) DeleteRange(node uint64, from, to uint32) {
	type freed struct {
		key []byte
		ptr allocator.Ptr
	}
	var toDelete []freed
	s.Range(node, from, to, func(index uint32, ptr allocator.Ptr) bool {
		toDelete = append(toDelete, freed{key: encodeKey(node, index), ptr: ptr})
		return true
	})
	for _, f := range toDelete {
		s.m.Delete(f.key)
		s.alloc.Free(f.ptr)
	}
}

// DeleteAll removes every (node, *) mapping for node, freeing every
// chunk pointer. Used by rm_file.
func (s *Store) DeleteAll(node uint64) {
	s.DeleteRange(node, 0, ^uint32(0))
}

// HasAny reports whether node has any chunk recorded anywhere in the map,
// including the reserved metadata indices.
func (s *Store) HasAny(node uint64) bool {
	return s.HasAnyBefore(node, ^uint32(0))
}

// HasAnyBefore reports whether node has any chunk recorded with an index
// strictly less than limit. Used by the V1/V2 selection rule of §4.6 to
// probe only real file-data indices: the metadata provider persists every
// node's metadata as a reserved chunk in this same pointer map, so an
// unscoped probe would see that reserved chunk and misreport every node
// with metadata as having V2 data.
func (s *Store) HasAnyBefore(node uint64, limit uint32) bool {
	found := false
	s.Range(node, 0, limit, func(uint32, allocator.Ptr) bool {
		found = true
		return false
	})
	return found
}
