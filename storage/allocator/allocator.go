// Package allocator implements the chunk allocator of §4.2: a free-list
// plus bump-frontier allocator for fixed-size block pointers, backed by
// one virtual memory, grounded on the binary-header idiom of
// internal/squashfs's superblock (struct-shaped header read with
// encoding/binary) and on the free-list design of
// other_examples/f429aac1_putto11262002-dead-simple-db__free_list.go.go.
package allocator

import (
	"encoding/binary"

	"golang.org/x/exp/slices"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
)

// Ptr is an absolute offset into a V2 chunk arena. Pointers are always
// multiples of the allocator's current chunk size.
type Ptr uint64

const (
	magicCurrent = "FSA1\x00\x00\x00\x00"
	magicLegacy  = "ALO1\x00\x00\x00\x00"

	slotChunkSize     = 1 * 8
	slotFreeLen       = 2 * 8
	slotBumpFrontier  = 3 * 8
	firstFreeListSlot = 16 * 8

	// DefaultChunkSize is used when a freshly initialized allocator's chunk
	// size slot reads zero.
	DefaultChunkSize = 16 * 1024
)

// debugAssertions gates the Free() sanity checks named in §4.2 ("Debug
// builds: assert alignment, assert ptr < next_max_ptr, assert not
// already free"); off by default since they make Free linear in the
// free-list length.
var debugAssertions = false

var validChunkSizes = map[uint64]bool{
	4 * 1024:  true,
	8 * 1024:  true,
	16 * 1024: true,
	32 * 1024: true,
	64 * 1024: true,
}

// Allocator hands out and reclaims fixed-size Ptrs from a paged arena.
type Allocator struct {
	m         memory.Memory
	chunkSize uint64
	freeList  []Ptr
	bump      uint64
}

// Open opens (or initializes, if m is empty) an Allocator over m.
func Open(m memory.Memory) (*Allocator, error) {
	a := &Allocator{m: m}
	if m.Size() == 0 {
		memory.GrowTo(m, firstFreeListSlot-1)
		m.Write(0, []byte(magicCurrent))
		a.chunkSize = DefaultChunkSize
		a.writeHeader()
		return a, nil
	}

	magic := make([]byte, 8)
	m.Read(0, magic)
	switch string(magic) {
	case magicCurrent:
		// nothing to do
	case magicLegacy:
		m.Write(0, []byte(magicCurrent))
	default:
		return nil, pagedfserr.New(pagedfserr.IllegalByteSequence)
	}

	a.chunkSize = binary.LittleEndian.Uint64(read8(m, slotChunkSize))
	if a.chunkSize == 0 {
		a.chunkSize = DefaultChunkSize
	}
	freeLen := binary.LittleEndian.Uint64(read8(m, slotFreeLen))
	a.bump = binary.LittleEndian.Uint64(read8(m, slotBumpFrontier))

	a.freeList = make([]Ptr, freeLen)
	for i := uint64(0); i < freeLen; i++ {
		v := binary.LittleEndian.Uint64(read8(m, firstFreeListSlot+i*8))
		a.freeList[i] = Ptr(v)
	}
	return a, nil
}

func read8(m memory.Memory, off uint64) []byte {
	buf := make([]byte, 8)
	m.Read(off, buf)
	return buf
}

func write8(m memory.Memory, off uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	memory.GrowTo(m, off+7)
	m.Write(off, buf[:])
}

func (a *Allocator) writeHeader() {
	write8(a.m, slotChunkSize, a.chunkSize)
	write8(a.m, slotFreeLen, uint64(len(a.freeList)))
	write8(a.m, slotBumpFrontier, a.bump)
	for i, p := range a.freeList {
		write8(a.m, firstFreeListSlot+uint64(i)*8, uint64(p))
	}
}

// ChunkSize returns the allocator's current chunk size in bytes.
func (a *Allocator) ChunkSize() uint64 { return a.chunkSize }

// SetChunkSize changes the allocator's chunk size. It succeeds if
// newSize is identical to the current size, or if no allocation has
// happened yet (bump frontier still zero); otherwise InvalidArgument.
func (a *Allocator) SetChunkSize(newSize uint64) error {
	if !validChunkSizes[newSize] {
		return pagedfserr.New(pagedfserr.InvalidArgument)
	}
	if newSize == a.chunkSize {
		return nil
	}
	if a.bump != 0 {
		return pagedfserr.New(pagedfserr.InvalidArgument)
	}
	a.chunkSize = newSize
	a.writeHeader()
	return nil
}

// Allocate hands out a fresh Ptr, popping the free-list if non-empty,
// else advancing the bump frontier by one chunk size.
func (a *Allocator) Allocate() Ptr {
	if n := len(a.freeList); n > 0 {
		p := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.writeHeader()
		return p
	}
	p := Ptr(a.bump)
	a.bump += a.chunkSize
	a.writeHeader()
	return p
}

// Free pushes ptr back onto the free-list for reuse by a later
// Allocate. Debug-build assertions: ptr must be chunk-aligned, must lie
// below the bump frontier, and must not already be on the free-list.
func (a *Allocator) Free(ptr Ptr) {
	if debugAssertions {
		if uint64(ptr)%a.chunkSize != 0 {
			panic("pagedfs: Free of misaligned Ptr")
		}
		if uint64(ptr) >= a.bump {
			panic("pagedfs: Free of Ptr beyond bump frontier")
		}
		if slices.Contains(a.freeList, ptr) {
			panic("pagedfs: double Free of Ptr")
		}
	}
	a.freeList = append(a.freeList, ptr)
	a.writeHeader()
}
