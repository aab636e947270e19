// Package runtime implements the File and Dir runtime objects of §4.9:
// thin, cursor-carrying wrappers bound to a node that translate
// read/write/seek calls into storage and path-resolver operations.
package runtime

import (
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// Whence selects the reference point for File.Seek.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// FdFlags is the bitmask carried alongside an open FD (§6).
type FdFlags uint32

const (
	Append   FdFlags = 1 << 0
	Dsync    FdFlags = 1 << 1
	Nonblock FdFlags = 1 << 2
	Rsync    FdFlags = 1 << 3
	Sync     FdFlags = 1 << 4
)

// OpenFlags controls File/Dir creation semantics (§6).
type OpenFlags uint32

const (
	Create    OpenFlags = 1 << 0
	Directory OpenFlags = 1 << 1
	Exclusive OpenFlags = 1 << 2
	Truncate  OpenFlags = 1 << 3
)

// Stat is the per-FD flags/rights record carried alongside an open
// file or directory.
type Stat struct {
	Flags FdFlags
}

// File is an open regular file: a node plus a read/write cursor.
type File struct {
	Node   uint64
	cursor uint64
	Stat   Stat

	s *storage.Storage
}

// NewFile opens node as a File. If flags has Truncate, the file's size
// is reset to zero first; if stat.Flags has Append, the cursor starts
// at the current end of file.
func NewFile(s *storage.Storage, node uint64, flags OpenFlags, stat Stat) (*File, error) {
	f := &File{Node: node, s: s, Stat: stat}

	if flags&Truncate != 0 {
		if err := f.truncateToZero(); err != nil {
			return nil, err
		}
	}
	if stat.Flags&Append != 0 {
		meta, err := s.Metadata(node, metadata.Regular)
		if err != nil {
			return nil, err
		}
		f.cursor = meta.Size
	}
	return f, nil
}

func (f *File) truncateToZero() error {
	meta, err := f.s.Metadata(f.Node, metadata.Regular)
	if err != nil {
		return err
	}
	f.s.TruncateChunks(f.Node)
	meta.Size = 0
	return f.s.SetMetadata(f.Node, metadata.Regular, meta)
}

// Cursor returns the file's current cursor position.
func (f *File) Cursor() uint64 { return f.cursor }

// Seek repositions the cursor per whence (§4.9).
func (f *File) Seek(delta int64, whence Whence) (uint64, error) {
	switch whence {
	case SeekSet:
		if delta < 0 {
			return 0, pagedfserr.New(pagedfserr.InvalidArgument)
		}
		f.cursor = uint64(delta)
	case SeekCur:
		if delta < 0 && uint64(-delta) > f.cursor {
			return 0, pagedfserr.New(pagedfserr.InvalidSeek)
		}
		f.cursor = uint64(int64(f.cursor) + delta)
	case SeekEnd:
		if delta > 0 {
			return 0, pagedfserr.New(pagedfserr.InvalidArgument)
		}
		meta, err := f.s.Metadata(f.Node, metadata.Regular)
		if err != nil {
			return 0, err
		}
		if uint64(-delta) > meta.Size {
			return 0, pagedfserr.New(pagedfserr.InvalidSeek)
		}
		f.cursor = meta.Size - uint64(-delta)
	default:
		return 0, pagedfserr.New(pagedfserr.InvalidArgument)
	}
	return f.cursor, nil
}

// ReadWithCursor reads into buf from the current cursor, advancing it
// by the number of bytes read.
func (f *File) ReadWithCursor(buf []byte) (int, error) {
	n, err := f.ReadAt(f.cursor, buf)
	if err != nil {
		return 0, err
	}
	f.cursor += uint64(n)
	return n, nil
}

// ReadAt reads into buf from offset without touching the cursor.
func (f *File) ReadAt(offset uint64, buf []byte) (int, error) {
	return f.s.ReadBytes(f.Node, offset, buf)
}

// WriteWithCursor writes buf at the current cursor, advancing it by the
// number of bytes written.
func (f *File) WriteWithCursor(buf []byte) (int, error) {
	n, err := f.WriteAt(f.cursor, buf)
	if err != nil {
		return n, err
	}
	f.cursor += uint64(n)
	return n, err
}

// WriteAt writes buf at offset without touching the cursor.
func (f *File) WriteAt(offset uint64, buf []byte) (int, error) {
	return f.s.WriteBytes(f.Node, offset, buf)
}

// WriteVecWithCursor writes each buffer in bufs in order, stopping at
// the first one a size cap rejects; per the open question in §9,
// earlier, fully-fitting buffers remain persisted. It returns the total
// bytes written and the first error, if any.
func (f *File) WriteVecWithCursor(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := f.WriteWithCursor(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadVecWithCursor reads into each buffer in bufs in order, advancing
// the cursor after each, stopping at the first short read (end of
// file).
func (f *File) ReadVecWithCursor(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := f.ReadWithCursor(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}
