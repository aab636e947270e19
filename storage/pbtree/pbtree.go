// Package pbtree implements the persisted ordered-map primitive used
// throughout the storage layer: the V1 and V2 chunk-pointer maps, the
// directory-entry map, and the metadata BTree namespaces are all
// "ordered map (key) -> fixed-size value" per spec.md, so rather than
// hand-roll that shape four times this package provides it once.
//
// On disk it is a flat slot array (grounded on the same
// magic-header-plus-slots idiom as storage/allocator and
// internal/squashfs's superblock): a fixed-size record per slot, a
// tombstone byte marking deleted slots for reuse, and a header recording
// how many slots have ever been handed out. The ordered view itself —
// range scans, ascending iteration — is served by an in-process
// google/btree index rebuilt by scanning every slot on Open; the slot
// array is the durable source of truth, the btree is a fast mirror.
//
// Swapping which memory.Memory backs a Map is what distinguishes the
// persistent storage variant from the transient, process-local one
// (§9): both run the exact same code, the transient variant simply
// plugs in a memory.Transient that is discarded with the process.
package pbtree

import (
	"bytes"
	"encoding/binary"

	"github.com/google/btree"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
)

const (
	magic = "PBT1\x00\x00\x00\x00"

	headerLen = 64
	// header layout within the first headerLen bytes:
	offMagic   = 0
	offKeyLen  = 8
	offValLen  = 12
	offCount   = 16
	slotsStart = headerLen
)

// Map is an ordered map of fixed-size byte keys to fixed-size byte
// values, persisted in m.
type Map struct {
	m        memory.Memory
	keyLen   int
	valLen   int
	slotSize int
	count    uint32 // number of slots ever handed out (live + tombstoned)
	tree     *btree.BTree
	free     []uint32
}

type entry struct {
	key  []byte
	slot uint32
}

func (a entry) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(entry).key) < 0
}

// Open opens (or initializes) a Map over m with the given fixed key and
// value lengths.
func Open(m memory.Memory, keyLen, valLen int) (*Map, error) {
	mp := &Map{
		m:        m,
		keyLen:   keyLen,
		valLen:   valLen,
		slotSize: 1 + keyLen + valLen,
		tree:     btree.New(32),
	}

	if m.Size() == 0 {
		memory.GrowTo(m, headerLen-1)
		m.Write(offMagic, []byte(magic))
		mp.writeU32(offKeyLen, uint32(keyLen))
		mp.writeU32(offValLen, uint32(valLen))
		mp.writeU32(offCount, 0)
		return mp, nil
	}

	got := make([]byte, 8)
	m.Read(offMagic, got)
	if string(got) != magic {
		return nil, pagedfserr.New(pagedfserr.IllegalByteSequence)
	}
	storedKeyLen := mp.readU32(offKeyLen)
	storedValLen := mp.readU32(offValLen)
	if int(storedKeyLen) != keyLen || int(storedValLen) != valLen {
		return nil, pagedfserr.New(pagedfserr.InvalidArgument)
	}
	mp.count = mp.readU32(offCount)

	for slot := uint32(0); slot < mp.count; slot++ {
		tomb, key, val := mp.readSlot(slot)
		if tomb {
			mp.free = append(mp.free, slot)
			continue
		}
		_ = val
		mp.tree.ReplaceOrInsert(entry{key: key, slot: slot})
	}
	return mp, nil
}

func (mp *Map) slotOffset(slot uint32) uint64 {
	return slotsStart + uint64(slot)*uint64(mp.slotSize)
}

func (mp *Map) readSlot(slot uint32) (tomb bool, key, val []byte) {
	buf := make([]byte, mp.slotSize)
	mp.m.Read(mp.slotOffset(slot), buf)
	tomb = buf[0] != 0
	key = append([]byte(nil), buf[1:1+mp.keyLen]...)
	val = append([]byte(nil), buf[1+mp.keyLen:]...)
	return
}

func (mp *Map) writeSlot(slot uint32, tomb bool, key, val []byte) {
	buf := make([]byte, mp.slotSize)
	if tomb {
		buf[0] = 1
	}
	copy(buf[1:1+mp.keyLen], key)
	copy(buf[1+mp.keyLen:], val)
	memory.GrowTo(mp.m, mp.slotOffset(slot)+uint64(mp.slotSize)-1)
	mp.m.Write(mp.slotOffset(slot), buf)
}

func (mp *Map) readU32(off uint64) uint32 {
	buf := make([]byte, 4)
	mp.m.Read(off, buf)
	return binary.LittleEndian.Uint32(buf)
}

func (mp *Map) writeU32(off uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	mp.m.Write(off, buf[:])
}

// Get returns the value stored for key, if any.
func (mp *Map) Get(key []byte) ([]byte, bool) {
	it := mp.tree.Get(entry{key: key})
	if it == nil {
		return nil, false
	}
	_, _, val := mp.readSlot(it.(entry).slot)
	return val, true
}

// Put inserts or overwrites the value stored for key.
func (mp *Map) Put(key, val []byte) {
	if it := mp.tree.Get(entry{key: key}); it != nil {
		slot := it.(entry).slot
		mp.writeSlot(slot, false, key, val)
		return
	}

	var slot uint32
	if n := len(mp.free); n > 0 {
		slot = mp.free[n-1]
		mp.free = mp.free[:n-1]
	} else {
		slot = mp.count
		mp.count++
		mp.writeU32(offCount, mp.count)
	}
	mp.writeSlot(slot, false, key, val)
	mp.tree.ReplaceOrInsert(entry{key: append([]byte(nil), key...), slot: slot})
}

// Delete removes key, if present.
func (mp *Map) Delete(key []byte) {
	it := mp.tree.Delete(entry{key: key})
	if it == nil {
		return
	}
	slot := it.(entry).slot
	mp.writeSlot(slot, true, make([]byte, mp.keyLen), make([]byte, mp.valLen))
	mp.free = append(mp.free, slot)
}

// AscendRange calls fn for every key k with lo <= k < hi (or, when hi is
// nil, every key >= lo), in ascending order, until fn returns false.
func (mp *Map) AscendRange(lo, hi []byte, fn func(key, val []byte) bool) {
	pivot := entry{key: lo}
	mp.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		it := i.(entry)
		if hi != nil && bytes.Compare(it.key, hi) >= 0 {
			return false
		}
		_, _, val := mp.readSlot(it.slot)
		return fn(it.key, val)
	})
}

// Len returns the number of live entries.
func (mp *Map) Len() int { return mp.tree.Len() }
