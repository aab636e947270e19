package memory

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// Transient is a process-local Memory backed by an in-memory seekable
// writer. It never touches disk; pagedfs's transient storage variant
// (§9: "a transient one over process-local ordered maps for tests") uses
// this as its Memory so that even the chunk stores that are defined in
// terms of Memory (as opposed to the pure in-process maps) can run
// without any host file, which keeps the bulk of the test suite fast.
type Transient struct {
	ws   writerseeker.WriterSeeker
	size uint64 // pages
}

// NewTransient returns an empty Transient memory.
func NewTransient() *Transient {
	return &Transient{}
}

func (t *Transient) Size() uint64 { return t.size }

func (t *Transient) Grow(delta uint64) int64 {
	prev := t.size
	t.size += delta
	// Extend the backing buffer with zeros up to the new size so that
	// subsequent reads of never-written regions return zero bytes, matching
	// every other Memory implementation's grow semantics.
	if _, err := t.ws.Seek(int64(t.size)*PageSize-1, io.SeekStart); err != nil {
		return -1
	}
	if _, err := t.ws.Write([]byte{0}); err != nil {
		return -1
	}
	return int64(prev)
}

func (t *Transient) Read(offset uint64, buf []byte) {
	r := t.ws.BytesReader()
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(r, buf); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		panic(err)
	}
}

func (t *Transient) Write(offset uint64, buf []byte) {
	if _, err := t.ws.Seek(int64(offset), io.SeekStart); err != nil {
		panic(err)
	}
	if _, err := t.ws.Write(buf); err != nil {
		panic(err)
	}
}
