package memory

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileBacked is a Memory implementation backed by a real host file,
// giving pagedfs genuine persistence across process restarts (testable
// property 8). It is the concrete adapter an embedder or pagedfsctl
// passes in place of the abstract host-provided Memory the core design
// treats as an external collaborator.
type FileBacked struct {
	f *os.File
}

// OpenFileBacked opens (creating if necessary) path as a FileBacked
// Memory. The file's length, rounded down to whole pages, determines the
// initial reported Size.
func OpenFileBacked(path string) (*FileBacked, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileBacked{f: f}, nil
}

func (m *FileBacked) Close() error { return m.f.Close() }

func (m *FileBacked) Size() uint64 {
	fi, err := m.f.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size()) / PageSize
}

func (m *FileBacked) Grow(delta uint64) int64 {
	prev := m.Size()
	newSize := int64((prev + delta) * PageSize)
	if err := unix.Ftruncate(int(m.f.Fd()), newSize); err != nil {
		return -1
	}
	return int64(prev)
}

func (m *FileBacked) Read(offset uint64, buf []byte) {
	if _, err := unix.Pread(int(m.f.Fd()), buf, int64(offset)); err != nil {
		panic(err)
	}
}

func (m *FileBacked) Write(offset uint64, buf []byte) {
	if _, err := unix.Pwrite(int(m.f.Fd()), buf, int64(offset)); err != nil {
		panic(err)
	}
}
