package mount

import (
	"bytes"
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

// fakeOpener maps each distinct path to a freshly minted regular-file
// node, mimicking what the real façade's CreatePath-based OpenForMount
// does without needing the full path resolver here.
type fakeOpener struct {
	s     *storage.Storage
	nodes map[string]uint64
}

func newFakeOpener(s *storage.Storage) *fakeOpener {
	return &fakeOpener{s: s, nodes: make(map[string]uint64)}
}

func (f *fakeOpener) OpenForMount(path string, ctime uint64) (uint64, error) {
	if n, ok := f.nodes[path]; ok {
		return n, nil
	}
	node, err := f.s.NewNode()
	if err != nil {
		return 0, err
	}
	if err := f.s.SetMetadata(node, metadata.Regular, &metadata.Metadata{
		Node: node, FileType: metadata.RegularFile, LinkCount: 1,
		Times: metadata.Times{Created: ctime},
	}); err != nil {
		return 0, err
	}
	f.nodes[path] = node
	return node, nil
}

func TestMountMemoryFileSeedsMountedMetadataOnFirstMount(t *testing.T) {
	s := newTestStorage(t)
	opener := newFakeOpener(s)
	m := New(s)

	if err := m.MountMemoryFile(opener, "/dev/overlay", memory.NewTransient(), 1); err != nil {
		t.Fatalf("MountMemoryFile: %v", err)
	}
	node := opener.nodes["/dev/overlay"]
	if !s.IsMounted(node) {
		t.Fatal("node should be mounted after MountMemoryFile")
	}
	meta, err := s.Metadata(node, metadata.Mounted)
	if err != nil {
		t.Fatalf("Metadata(Mounted): %v", err)
	}
	if meta.Size != 0 {
		t.Fatalf("freshly seeded mounted metadata should start at size 0, got %d", meta.Size)
	}
}

func TestInitMemoryFileCopiesOnDiskContents(t *testing.T) {
	s := newTestStorage(t)
	opener := newFakeOpener(s)
	m := New(s)

	node, err := opener.OpenForMount("/f", 0)
	if err != nil {
		t.Fatalf("OpenForMount: %v", err)
	}
	payload := bytes.Repeat([]byte("paged"), 20000)
	if _, err := s.WriteBytes(node, 0, payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	mem := memory.NewTransient()
	if err := m.MountMemoryFile(opener, "/f", mem, 0); err != nil {
		t.Fatalf("MountMemoryFile: %v", err)
	}
	if err := m.InitMemoryFile(node); err != nil {
		t.Fatalf("InitMemoryFile: %v", err)
	}

	got := make([]byte, len(payload))
	mem.Read(0, got)
	if !bytes.Equal(got, payload) {
		t.Fatal("InitMemoryFile should copy the node's on-disk bytes into the mounted memory verbatim")
	}
}

func TestStoreMemoryFileCopiesBackIntoChunks(t *testing.T) {
	s := newTestStorage(t)
	opener := newFakeOpener(s)
	m := New(s)

	node, err := opener.OpenForMount("/f", 0)
	if err != nil {
		t.Fatalf("OpenForMount: %v", err)
	}
	mem := memory.NewTransient()
	if err := m.MountMemoryFile(opener, "/f", mem, 0); err != nil {
		t.Fatalf("MountMemoryFile: %v", err)
	}

	payload := []byte("written through the overlay memory")
	if _, err := s.WriteBytes(node, 0, payload); err != nil {
		t.Fatalf("WriteBytes through mount: %v", err)
	}
	if err := m.StoreMemoryFile(node); err != nil {
		t.Fatalf("StoreMemoryFile: %v", err)
	}

	if _, err := m.UnmountMemoryFile(node); err != nil {
		t.Fatalf("UnmountMemoryFile: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := s.ReadBytes(node, 0, got); err != nil {
		t.Fatalf("ReadBytes after unmount: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("bytes after StoreMemoryFile+Unmount = %q, want %q", got, payload)
	}
}

func TestUnmountMemoryFileOfUnmountedNodeFails(t *testing.T) {
	s := newTestStorage(t)
	node, err := s.NewNode()
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	m := New(s)
	if _, err := m.UnmountMemoryFile(node); err == nil {
		t.Fatal("UnmountMemoryFile of a never-mounted node should fail")
	}
}

func TestDeleteGuardRejectsMountedNode(t *testing.T) {
	s := newTestStorage(t)
	opener := newFakeOpener(s)
	m := New(s)
	node, err := opener.OpenForMount("/f", 0)
	if err != nil {
		t.Fatalf("OpenForMount: %v", err)
	}
	if err := m.MountMemoryFile(opener, "/f", memory.NewTransient(), 0); err != nil {
		t.Fatalf("MountMemoryFile: %v", err)
	}
	if err := DeleteGuard(s, node); pagedfserr.CodeOf(err) != pagedfserr.CannotRemoveMountedMemoryFile {
		t.Fatalf("DeleteGuard on a mounted node should be CannotRemoveMountedMemoryFile, got %v", err)
	}
}
