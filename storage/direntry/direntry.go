// Package direntry implements the directory-entry store of §4.9: an
// ordered map from (parent node, entry index) to a DirEntry record, with
// entries additionally threaded into a doubly-linked list per directory
// (the parent's Metadata.FirstDirEntry/LastDirEntry anchor the list,
// each DirEntry's Next/Prev link its neighbors) so that listing a
// directory never requires a range scan of the whole map.
package direntry

import (
	"encoding/binary"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/storage/pbtree"
)

const keyLen = 12  // parent node(8) + entry index(4), big-endian
const maxNameLen = 255

// valLen: name length(1) + name(maxNameLen) + node(8) + next(4) + prev(4),
// with a present-flag byte for Next/Prev each marking whether the link
// is set.
const valLen = 1 + maxNameLen + 8 + 1 + 4 + 1 + 4

// DirEntry is one named link inside a directory.
type DirEntry struct {
	Name string
	Node uint64
	Next *uint32
	Prev *uint32
}

// Store is the directory-entry map.
type Store struct {
	m *pbtree.Map
}

// Open opens (or initializes) a Store over m.
func Open(m memory.Memory) (*Store, error) {
	mp, err := pbtree.Open(m, keyLen, valLen)
	if err != nil {
		return nil, err
	}
	return &Store{m: mp}, nil
}

func encodeKey(parent uint64, index uint32) []byte {
	b := make([]byte, keyLen)
	binary.BigEndian.PutUint64(b[0:8], parent)
	binary.BigEndian.PutUint32(b[8:12], index)
	return b
}

func decodeIndex(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[8:12])
}

func encodeOptU32(b []byte, v *uint32) {
	if v == nil {
		b[0] = 0
		return
	}
	b[0] = 1
	binary.LittleEndian.PutUint32(b[1:], *v)
}

func decodeOptU32(b []byte) *uint32 {
	if b[0] == 0 {
		return nil
	}
	v := binary.LittleEndian.Uint32(b[1:])
	return &v
}

func encodeEntry(e *DirEntry) []byte {
	b := make([]byte, valLen)
	nameBytes := []byte(e.Name)
	b[0] = byte(len(nameBytes))
	copy(b[1:1+maxNameLen], nameBytes)
	off := 1 + maxNameLen
	binary.LittleEndian.PutUint64(b[off:], e.Node)
	off += 8
	encodeOptU32(b[off:off+5], e.Next)
	off += 5
	encodeOptU32(b[off:off+5], e.Prev)
	return b
}

func decodeEntry(b []byte) *DirEntry {
	nameLen := int(b[0])
	name := string(b[1 : 1+nameLen])
	off := 1 + maxNameLen
	node := binary.LittleEndian.Uint64(b[off:])
	off += 8
	next := decodeOptU32(b[off : off+5])
	off += 5
	prev := decodeOptU32(b[off : off+5])
	return &DirEntry{Name: name, Node: node, Next: next, Prev: prev}
}

// Get returns the entry at (parent, index), if any.
func (s *Store) Get(parent uint64, index uint32) (*DirEntry, bool) {
	v, ok := s.m.Get(encodeKey(parent, index))
	if !ok {
		return nil, false
	}
	return decodeEntry(v), true
}

// Put upserts the entry at (parent, index).
func (s *Store) Put(parent uint64, index uint32, e *DirEntry) {
	s.m.Put(encodeKey(parent, index), encodeEntry(e))
}

// Delete removes the entry at (parent, index).
func (s *Store) Delete(parent uint64, index uint32) {
	s.m.Delete(encodeKey(parent, index))
}

// Range calls fn for every index with from <= index < to under parent,
// in ascending order, until fn returns false. This is a raw map scan;
// callers wanting directory listing order should instead walk the
// linked list via Get/Next starting from the parent's FirstDirEntry.
func (s *Store) Range(parent uint64, from, to uint32, fn func(index uint32, e *DirEntry) bool) {
	lo := encodeKey(parent, from)
	hi := encodeKey(parent, to)
	s.m.AscendRange(lo, hi, func(key, val []byte) bool {
		return fn(decodeIndex(key), decodeEntry(val))
	})
}

// NextFreeIndex returns one past the largest entry index in use under
// parent, or 1 when there is none (index 0 is reserved). Gaps left by
// removed entries below the largest index are not reused.
func (s *Store) NextFreeIndex(parent uint64) uint32 {
	var max uint32
	found := false
	s.Range(parent, 1, ^uint32(0), func(index uint32, _ *DirEntry) bool {
		found = true
		if index > max {
			max = index
		}
		return true
	})
	if !found {
		return 1
	}
	return max + 1
}
