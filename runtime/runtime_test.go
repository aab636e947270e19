package runtime

import (
	"testing"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	mems := storage.Memories{
		Header:          memory.NewTransient(),
		RegularMetaTree: memory.NewTransient(),
		DirEntryTree:    memory.NewTransient(),
		V1Chunks:        memory.NewTransient(),
		MountedMetaTree: memory.NewTransient(),
		V2PointerTree:   memory.NewTransient(),
		V2Allocator:     memory.NewTransient(),
		V2Arena:         memory.NewTransient(),
		Journal:         memory.NewTransient(),
	}
	s, err := storage.Open(mems)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	return s
}

func newRegularNode(t *testing.T, s *storage.Storage) uint64 {
	t.Helper()
	node, err := s.NewNode()
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := s.SetMetadata(node, metadata.Regular, &metadata.Metadata{
		Node: node, FileType: metadata.RegularFile, LinkCount: 1,
	}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	return node
}

func TestFileWriteWithCursorAdvances(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	n, err := f.WriteWithCursor([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("WriteWithCursor = %d, %v, want 5, nil", n, err)
	}
	if f.Cursor() != 5 {
		t.Fatalf("Cursor() = %d, want 5", f.Cursor())
	}

	if _, err := f.Seek(0, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := f.ReadWithCursor(buf); err != nil {
		t.Fatalf("ReadWithCursor: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("ReadWithCursor = %q, want hello", buf)
	}
}

func TestSeekEndAndCurSemantics(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := f.WriteWithCursor([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}

	pos, err := f.Seek(-3, SeekEnd)
	if err != nil || pos != 7 {
		t.Fatalf("Seek(-3,End) = %d, %v, want 7, nil", pos, err)
	}
	pos, err = f.Seek(2, SeekCur)
	if err != nil || pos != 9 {
		t.Fatalf("Seek(2,Cur) = %d, %v, want 9, nil", pos, err)
	}
	if _, err := f.Seek(-100, SeekCur); pagedfserr.CodeOf(err) != pagedfserr.InvalidSeek {
		t.Fatalf("Seek underflow should be InvalidSeek, got %v", err)
	}
	if _, err := f.Seek(-100, SeekEnd); pagedfserr.CodeOf(err) != pagedfserr.InvalidSeek {
		t.Fatalf("SeekEnd before start should be InvalidSeek, got %v", err)
	}
	if _, err := f.Seek(-1, SeekSet); pagedfserr.CodeOf(err) != pagedfserr.InvalidArgument {
		t.Fatalf("negative SeekSet should be InvalidArgument, got %v", err)
	}
}

func TestTruncateOnOpenResetsSize(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := f.WriteWithCursor([]byte("some bytes")); err != nil {
		t.Fatalf("write: %v", err)
	}

	truncated, err := NewFile(s, node, Truncate, Stat{})
	if err != nil {
		t.Fatalf("NewFile(Truncate): %v", err)
	}
	if _, err := truncated.Seek(0, SeekEnd); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if truncated.Cursor() != 0 {
		t.Fatalf("Cursor after truncating open = %d, want 0", truncated.Cursor())
	}
}

func TestAppendFlagStartsCursorAtEnd(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := f.WriteWithCursor([]byte("existing")); err != nil {
		t.Fatalf("write: %v", err)
	}

	appender, err := NewFile(s, node, 0, Stat{Flags: Append})
	if err != nil {
		t.Fatalf("NewFile(Append): %v", err)
	}
	if appender.Cursor() != uint64(len("existing")) {
		t.Fatalf("Cursor for an Append-opened file = %d, want %d", appender.Cursor(), len("existing"))
	}
}

func TestWriteVecPersistsBuffersBeforeSizeCapError(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	limit := uint64(10)
	meta, err := s.Metadata(node, metadata.Regular)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	meta.MaximumSizeAllowed = &limit
	if err := s.SetMetadata(node, metadata.Regular, meta); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	bufs := [][]byte{
		[]byte("12345"),  // fits, cursor 0->5
		[]byte("67890"),  // fits exactly to the cap, cursor 5->10
		[]byte("exceeds"), // rejected: would push past the 10-byte cap
	}
	total, err := f.WriteVecWithCursor(bufs)
	if err == nil {
		t.Fatal("WriteVecWithCursor should surface the size-cap error on the third buffer")
	}
	if total != 10 {
		t.Fatalf("WriteVecWithCursor total = %d, want 10 (the two buffers that fit)", total)
	}

	readBuf := make([]byte, 10)
	if _, err := s.ReadBytes(node, 0, readBuf); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(readBuf) != "1234567890" {
		t.Fatalf("persisted bytes = %q, want 1234567890 (earlier buffers must survive the later failure)", readBuf)
	}
}

func TestFdTableOpenCloseReusesFreeList(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	tbl := NewTable()

	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	fd1 := tbl.Open(FdEntry{File: f})
	fd2 := tbl.Open(FdEntry{File: f})
	if fd1 == fd2 {
		t.Fatal("two Open calls should hand out distinct fds")
	}
	if err := tbl.Close(fd1); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fd3 := tbl.Open(FdEntry{File: f})
	if fd3 != fd1 {
		t.Fatalf("Open after Close should reuse the freed fd %d, got %d", fd1, fd3)
	}
}

func TestFdTableCloseUnknownFails(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Close(Fd(999)); pagedfserr.CodeOf(err) != pagedfserr.BadFileDescriptor {
		t.Fatalf("Close of an unopened fd should be BadFileDescriptor, got %v", err)
	}
}

func TestFdTableRenumber(t *testing.T) {
	s := newTestStorage(t)
	node := newRegularNode(t, s)
	tbl := NewTable()
	f, err := NewFile(s, node, 0, Stat{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	src := tbl.Open(FdEntry{File: f})
	dst := src + 50 // never handed out yet

	if err := tbl.Renumber(src, dst); err != nil {
		t.Fatalf("Renumber: %v", err)
	}
	if _, err := tbl.Get(src); pagedfserr.CodeOf(err) != pagedfserr.BadFileDescriptor {
		t.Fatalf("src should be invalid after Renumber, got %v", err)
	}
	if _, err := tbl.Get(dst); err != nil {
		t.Fatalf("dst should be valid after Renumber: %v", err)
	}

	// src is now free and should be handed out again by a fresh Open.
	reopened := tbl.Open(FdEntry{File: f})
	if reopened != src {
		t.Fatalf("Open after Renumber should reuse the vacated src fd %d, got %d", src, reopened)
	}
}

func TestFdTableRenumberClosesExistingDst(t *testing.T) {
	s := newTestStorage(t)
	node1 := newRegularNode(t, s)
	node2 := newRegularNode(t, s)
	tbl := NewTable()
	f1, _ := NewFile(s, node1, 0, Stat{})
	f2, _ := NewFile(s, node2, 0, Stat{})

	src := tbl.Open(FdEntry{File: f1})
	dst := tbl.Open(FdEntry{File: f2})

	if err := tbl.Renumber(src, dst); err != nil {
		t.Fatalf("Renumber: %v", err)
	}
	e, err := tbl.Get(dst)
	if err != nil {
		t.Fatalf("Get(dst): %v", err)
	}
	if e.File.Node != node1 {
		t.Fatalf("dst should now hold src's entry (node1), got node %d", e.File.Node)
	}
}

func TestDirReadDirEmpty(t *testing.T) {
	s := newTestStorage(t)
	root, err := s.NewNode()
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := s.SetMetadata(root, metadata.Regular, &metadata.Metadata{
		Node: root, FileType: metadata.Directory,
	}); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	d := NewDir(s, root, Stat{})
	entries, err := d.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ReadDir of an empty directory = %v, want none", entries)
	}
}
