// Package v1store implements the legacy V1 chunk store of §4.6: an
// ordered map (node, chunk_index) -> inline 4 KiB chunk, persisted via
// storage/pbtree. Reads of indices absent from the requested range are
// zero-filled; writes upsert the chunk, copying the affected sub-slice
// in place.
package v1store

import (
	"encoding/binary"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/storage/pbtree"
)

// ChunkSize is fixed for V1: 4 KiB, never configurable.
const ChunkSize = 4096

const keyLen = 12 // node(8) + index(4), big-endian

// Store is the V1 inline chunk map.
type Store struct {
	m *pbtree.Map
}

// Open opens (or initializes) a Store over m.
func Open(m memory.Memory) (*Store, error) {
	mp, err := pbtree.Open(m, keyLen, ChunkSize)
	if err != nil {
		return nil, err
	}
	return &Store{m: mp}, nil
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

// Read fills buf (which must be exactly ChunkSize long, or a leading
// slice of it) with the bytes of (node, index), zero-filling if the
// chunk has never been written.
func (s *Store) Read(node uint64, index uint32, buf []byte) {
	v, ok := s.m.Get(encodeKey(node, index))
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	copy(buf, v)
}

// Write upserts the chunk at (node, index), copying buf into
// [chunkOffset, chunkOffset+len(buf)) of the chunk, leaving the rest of
// an existing chunk's bytes untouched and a new chunk's untouched bytes
// zero.
func (s *Store) Write(node uint64, index uint32, chunkOffset uint64, buf []byte) {
	key := encodeKey(node, index)
	var chunk [ChunkSize]byte
	if v, ok := s.m.Get(key); ok {
		copy(chunk[:], v)
	}
	copy(chunk[chunkOffset:], buf)
	s.m.Put(key, chunk[:])
}

// Range calls fn for every present (node, index) with from <= index <
// to, in ascending index order, until fn returns false.
func (s *Store) Range(node uint64, from, to uint32, fn func(index uint32) bool) {
	lo := encodeKey(node, from)
	hi := encodeKey(node, to)
	s.m.AscendRange(lo, hi, func(key, val []byte) bool {
		_ = val
		return fn(decodeIndex(key))
	})
}

// DeleteAll removes every (node, *) chunk for node. Used by rm_file.
func (s *Store) DeleteAll(node uint64) {
	var keys [][]byte
	s.Range(node, 0, ^uint32(0), func(index uint32) bool {
		keys = append(keys, encodeKey(node, index))
		return true
	})
	for _, k := range keys {
		s.m.Delete(k)
	}
}

// HasAny reports whether node has any V1 chunk recorded.
func (s *Store) HasAny(node uint64) bool {
	found := false
	s.Range(node, 0, ^uint32(0), func(uint32) bool {
		found = true
		return false
	})
	return found
}
