// Package memory implements the paged, byte-addressable block storage
// primitive that the rest of pagedfs is layered over (§4.1), plus a
// manager that multiplexes many independent virtual memories by ID the
// way an embedding application's memory manager would.
//
// Memory itself is an external collaborator in the original design (the
// host provides it); this package supplies the polymorphic variants a
// standalone Go module needs to actually run: a transient in-process
// implementation for tests, and a host-file-backed one for real
// persistence across process restarts.
package memory

import (
	"encoding/binary"

	"github.com/pagedfs/pagedfs/pagedfserr"
)

// PageSize is the unit of growth for every Memory implementation.
const PageSize = 64 * 1024

// Memory is the paged block storage contract described in §4.1: size,
// grow, read and write, all in units of 64 KiB pages.
type Memory interface {
	// Size returns the current size of the memory in pages.
	Size() uint64
	// Grow adds delta pages to the memory, returning the previous size in
	// pages, or -1 if the growth failed.
	Grow(delta uint64) int64
	// Read copies len(buf) bytes starting at offset into buf. offset+len(buf)
	// must not exceed Size()*PageSize.
	Read(offset uint64, buf []byte)
	// Write copies buf into the memory starting at offset. offset+len(buf)
	// must not exceed Size()*PageSize.
	Write(offset uint64, buf []byte)
}

// GrowTo rounds addr up to the page that contains it and grows m if
// necessary so that addr is within bounds. Every persistent component
// must call this before writing beyond the current end of memory.
func GrowTo(m Memory, addr uint64) {
	needPages := addr/PageSize + 1
	cur := m.Size()
	if needPages > cur {
		if m.Grow(needPages-cur) < 0 {
			panic(pagedfserr.New(pagedfserr.FileTooLarge))
		}
	}
}

// Id identifies one virtual memory out of the 0..254 namespace a Manager
// multiplexes.
type Id uint8

// sizeTableEntrySize is the width, in bytes, of one Id's persisted page
// count within the manager's reserved header page.
const sizeTableEntrySize = 8

// managerHeaderPages reserves the backing Memory's leading page for a
// table of each Id's grown page count, so that reopening the same
// backing Memory in a fresh process recovers every region's extent
// instead of starting every Id back at zero page — without this, a
// Manager rebuilt over an already-populated file would make every
// downstream component (header, allocator, pbtree, ...) see Size() == 0
// and reinitialize itself, discarding everything already persisted.
const managerHeaderPages = 1

// Manager hands out N independently-growable memories by Id, the way an
// embedding application's memory-manager would. It is itself backed by a
// single Memory, carved into fixed-size virtual regions — the simplest
// faithful stand-in for "N independent virtual memories" that a
// standalone module can provide without an external collaborator.
type Manager struct {
	backing Memory
	regions map[Id]*region
	// regionPages bounds how many pages each virtual memory may use out of
	// the backing store; this is generous (not reclaimed) since the
	// allocator/journal/header components never need more than a modest
	// number of pages for metadata. File content (the V1 chunk tree and
	// the V2 arena) lives in regions of this same multiplexer, so it is
	// bounded by regionPages too.
	regionPages uint64
}

// NewManager creates a Manager over backing, allocating regionPages pages
// per virtual memory id on first use.
func NewManager(backing Memory, regionPages uint64) *Manager {
	GrowTo(backing, managerHeaderPages*PageSize-1)
	return &Manager{
		backing:     backing,
		regions:     make(map[Id]*region),
		regionPages: regionPages,
	}
}

func (m *Manager) regionBase(id Id) uint64 {
	return managerHeaderPages*PageSize + uint64(id)*m.regionPages*PageSize
}

func (m *Manager) sizeTableOffset(id Id) uint64 {
	return uint64(id) * sizeTableEntrySize
}

func (m *Manager) loadSize(id Id) uint64 {
	buf := make([]byte, sizeTableEntrySize)
	m.backing.Read(m.sizeTableOffset(id), buf)
	return binary.BigEndian.Uint64(buf)
}

func (m *Manager) storeSize(id Id, pages uint64) {
	buf := make([]byte, sizeTableEntrySize)
	binary.BigEndian.PutUint64(buf, pages)
	m.backing.Write(m.sizeTableOffset(id), buf)
}

// Get returns the virtual Memory for id, creating its backing region on
// first use and recovering its previously-grown size, if any.
func (m *Manager) Get(id Id) Memory {
	if r, ok := m.regions[id]; ok {
		return r
	}
	r := &region{
		mgr:  m,
		id:   id,
		base: m.regionBase(id),
		size: m.loadSize(id),
	}
	m.regions[id] = r
	return r
}

// region is one Id's slice of the manager's backing Memory.
type region struct {
	mgr  *Manager
	id   Id
	base uint64
	size uint64 // pages actually grown within this region
}

func (r *region) Size() uint64 { return r.size }

func (r *region) Grow(delta uint64) int64 {
	if r.size+delta > r.mgr.regionPages {
		return -1
	}
	prev := r.size
	needed := r.base + (r.size+delta)*PageSize
	GrowTo(r.mgr.backing, needed-1)
	r.size += delta
	r.mgr.storeSize(r.id, r.size)
	return int64(prev)
}

func (r *region) Read(offset uint64, buf []byte) {
	r.mgr.backing.Read(r.base+offset, buf)
}

func (r *region) Write(offset uint64, buf []byte) {
	r.mgr.backing.Write(r.base+offset, buf)
}
