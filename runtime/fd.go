package runtime

import "github.com/pagedfs/pagedfs/pagedfserr"

// Fd is a 32-bit file-descriptor handle. Values below firstFd are
// reserved by convention (stdio-like slots in the embedding
// application); the table never hands them out.
type Fd uint32

const firstFd Fd = 3

// FdEntry is whatever a live Fd is bound to: exactly one of File or Dir
// is non-nil.
type FdEntry struct {
	File *File
	Dir  *Dir
}

func (e FdEntry) node() uint64 {
	if e.File != nil {
		return e.File.Node
	}
	return e.Dir.Node
}

// Table is the file-descriptor table of §4.10: open entries, a
// next-Fd counter, and a free-list for reuse.
type Table struct {
	entries map[Fd]FdEntry
	nextFd  Fd
	free    []Fd
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[Fd]FdEntry), nextFd: firstFd}
}

// Open binds entry to a fresh Fd, preferring a reused one from the
// free-list.
func (t *Table) Open(entry FdEntry) Fd {
	var fd Fd
	if n := len(t.free); n > 0 {
		fd = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		fd = t.nextFd
		t.nextFd++
	}
	t.entries[fd] = entry
	return fd
}

// Get returns the entry bound to fd.
func (t *Table) Get(fd Fd) (FdEntry, error) {
	e, ok := t.entries[fd]
	if !ok {
		return FdEntry{}, pagedfserr.New(pagedfserr.BadFileDescriptor)
	}
	return e, nil
}

// Close releases fd back to the free-list.
func (t *Table) Close(fd Fd) error {
	if _, ok := t.entries[fd]; !ok {
		return pagedfserr.New(pagedfserr.BadFileDescriptor)
	}
	delete(t.entries, fd)
	t.free = append(t.free, fd)
	return nil
}

// Renumber moves src's entry to dst (§8 property 5): src becomes
// invalid and is freed, any entry already open at dst is closed first,
// and the counter/free-list grow to cover dst if it was never handed
// out.
func (t *Table) Renumber(src, dst Fd) error {
	entry, ok := t.entries[src]
	if !ok {
		return pagedfserr.New(pagedfserr.BadFileDescriptor)
	}
	if src == dst {
		return nil
	}

	delete(t.entries, dst)
	for dst >= t.nextFd {
		if t.nextFd != dst {
			t.free = append(t.free, t.nextFd)
		}
		t.nextFd++
	}
	t.removeFromFreeList(dst)

	delete(t.entries, src)
	t.free = append(t.free, src)
	t.entries[dst] = entry
	return nil
}

func (t *Table) removeFromFreeList(fd Fd) {
	for i, f := range t.free {
		if f == fd {
			t.free = append(t.free[:i], t.free[i+1:]...)
			return
		}
	}
}

// NodeRefcount returns a map from node to the number of FDs currently
// open against it, used by the remove path to detect busy files.
func (t *Table) NodeRefcount() map[uint64]int {
	counts := make(map[uint64]int)
	for _, e := range t.entries {
		counts[e.node()]++
	}
	return counts
}
