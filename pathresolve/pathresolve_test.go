package pathresolve

import (
	"testing"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

func newTestResolver(t *testing.T) (*Resolver, *storage.Storage, uint64) {
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
	root, err := s.NewNode()
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := s.SetMetadata(root, metadata.Regular, &metadata.Metadata{
		Node: root, FileType: metadata.Directory, LinkCount: 1,
	}); err != nil {
		t.Fatalf("SetMetadata(root): %v", err)
	}
	return New(s), s, root
}

func TestTokenizeNormalizesDotAndDotDot(t *testing.T) {
	comps, err := Tokenize("a/./b/../c")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(comps) != 2 || comps[0] != "a" || comps[1] != "c" {
		t.Fatalf("Tokenize(a/./b/../c) = %v, want [a c]", comps)
	}
}

func TestTokenizeRejectsLeadingSlash(t *testing.T) {
	if _, err := Tokenize("/abs/path"); pagedfserr.CodeOf(err) != pagedfserr.OperationNotPermitted {
		t.Fatalf("Tokenize of an absolute path should be OperationNotPermitted, got %v", err)
	}
}

func TestTokenizeRejectsDotDotUnderflow(t *testing.T) {
	if _, err := Tokenize("../escape"); pagedfserr.CodeOf(err) != pagedfserr.OperationNotPermitted {
		t.Fatalf("Tokenize(../escape) should be OperationNotPermitted, got %v", err)
	}
}

func TestEmptyPathResolvesToParent(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.Directory
	node, err := r.CreatePath(root, "", &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath(\"\"): %v", err)
	}
	if node != root {
		t.Fatalf("CreatePath(\"\") = %d, want root %d", node, root)
	}
}

func TestCreatePathCreatesIntermediateDirectories(t *testing.T) {
	r, s, root := newTestResolver(t)
	leaf := metadata.RegularFile
	node, err := r.CreatePath(root, "a/b/c/file.txt", &leaf, 1)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}

	got, err := r.FindNode(root, "a/b/c/file.txt")
	if err != nil || got != node {
		t.Fatalf("FindNode after CreatePath = %d, %v, want %d, nil", got, err, node)
	}

	dirA, err := r.FindNode(root, "a")
	if err != nil {
		t.Fatalf("FindNode(a): %v", err)
	}
	meta, err := s.Metadata(dirA, metadata.Regular)
	if err != nil || meta.FileType != metadata.Directory {
		t.Fatalf("intermediate 'a' should be a Directory, got %+v, %v", meta, err)
	}
}

func TestFindNodeThroughNonDirectoryFails(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.RegularFile
	if _, err := r.CreatePath(root, "plainfile", &leaf, 0); err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if _, err := r.FindNode(root, "plainfile/nested"); pagedfserr.CodeOf(err) != pagedfserr.InvalidArgument {
		t.Fatalf("traversing through a regular file should be InvalidArgument, got %v", err)
	}
}

func TestRmDirEntryRejectsNonEmptyDirectory(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.RegularFile
	if _, err := r.CreatePath(root, "dir/file.txt", &leaf, 0); err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	expectDir := true
	if err := r.RmDirEntry(root, "dir", &expectDir, false, nil); pagedfserr.CodeOf(err) != pagedfserr.DirectoryNotEmpty {
		t.Fatalf("RmDirEntry of a non-empty directory should be DirectoryNotEmpty, got %v", err)
	}
}

func TestRmDirEntryRefusesBusyFile(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.RegularFile
	node, err := r.CreatePath(root, "busy.txt", &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	refcount := map[uint64]int{node: 1}
	if err := r.RmDirEntry(root, "busy.txt", nil, false, refcount); pagedfserr.CodeOf(err) != pagedfserr.TextFileBusy {
		t.Fatalf("removing a single-link file with an open FD should be TextFileBusy, got %v", err)
	}
}

func TestRmDirEntryRejectsMountedNode(t *testing.T) {
	r, s, root := newTestResolver(t)
	leaf := metadata.RegularFile
	node, err := r.CreatePath(root, "mounted.bin", &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if err := s.Mount(node, memory.NewTransient()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := r.RmDirEntry(root, "mounted.bin", nil, false, nil); pagedfserr.CodeOf(err) != pagedfserr.TextFileBusy {
		t.Fatalf("removing a mounted node should be TextFileBusy, got %v", err)
	}
}

func TestRmDirEntrySucceedsAfterUnmount(t *testing.T) {
	r, s, root := newTestResolver(t)
	leaf := metadata.RegularFile
	node, err := r.CreatePath(root, "once-mounted.bin", &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if err := s.Mount(node, memory.NewTransient()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := s.Unmount(node); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	// The mounted-metadata namespace is seeded on first mount and never
	// deleted on unmount; removal must key off live mount state, not
	// mounted-metadata existence, or this file could never be removed
	// again.
	if err := r.RmDirEntry(root, "once-mounted.bin", nil, false, nil); err != nil {
		t.Fatalf("RmDirEntry after a clean unmount should succeed, got %v", err)
	}
}

func TestRmDirEntrySucceedsAndClearsLookup(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.RegularFile
	if _, err := r.CreatePath(root, "gone.txt", &leaf, 0); err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if err := r.RmDirEntry(root, "gone.txt", nil, false, nil); err != nil {
		t.Fatalf("RmDirEntry: %v", err)
	}
	if _, err := r.FindNode(root, "gone.txt"); pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
		t.Fatalf("FindNode after removal should fail with NoSuchFileOrDirectory, got %v", err)
	}
}

func TestCreateHardLinkIncrementsLinkCount(t *testing.T) {
	r, s, root := newTestResolver(t)
	leaf := metadata.RegularFile
	srcNode, err := r.CreatePath(root, "original.txt", &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if err := r.CreateHardLink(root, "alias.txt", root, "original.txt", false); err != nil {
		t.Fatalf("CreateHardLink: %v", err)
	}

	aliasNode, err := r.FindNode(root, "alias.txt")
	if err != nil || aliasNode != srcNode {
		t.Fatalf("alias.txt should resolve to the same node as original.txt: %d vs %d (%v)", aliasNode, srcNode, err)
	}
	meta, err := s.Metadata(srcNode, metadata.Regular)
	if err != nil || meta.LinkCount != 2 {
		t.Fatalf("LinkCount after hard link = %+v, %v, want 2", meta, err)
	}
}

func TestCreateHardLinkRefusesDirectories(t *testing.T) {
	r, _, root := newTestResolver(t)
	leaf := metadata.Directory
	if _, err := r.CreatePath(root, "adir", &leaf, 0); err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	if err := r.CreateHardLink(root, "alias", root, "adir", false); pagedfserr.CodeOf(err) != pagedfserr.OperationNotPermitted {
		t.Fatalf("hard-linking a directory (not as a rename) should be OperationNotPermitted, got %v", err)
	}
}

func TestDeepPathWithLongNames(t *testing.T) {
	r, _, root := newTestResolver(t)
	longName := ""
	for i := 0; i < 255; i++ {
		longName += "x"
	}
	leaf := metadata.RegularFile
	path := longName + "/" + longName + "/leaf.txt"
	node, err := r.CreatePath(root, path, &leaf, 0)
	if err != nil {
		t.Fatalf("CreatePath with max-length components: %v", err)
	}
	got, err := r.FindNode(root, path)
	if err != nil || got != node {
		t.Fatalf("FindNode on deep path = %d, %v, want %d, nil", got, err, node)
	}
}

func TestDirectoryListingIsInsertionOrder(t *testing.T) {
	r, s, root := newTestResolver(t)
	leaf := metadata.RegularFile
	names := []string{"c.txt", "a.txt", "b.txt"}
	for _, n := range names {
		if _, err := r.CreatePath(root, n, &leaf, 0); err != nil {
			t.Fatalf("CreatePath(%s): %v", n, err)
		}
	}
	meta, err := s.Metadata(root, metadata.Regular)
	if err != nil {
		t.Fatalf("Metadata(root): %v", err)
	}
	var seen []string
	index := *meta.FirstDirEntry
	for {
		e, ok := s.Dirs().Get(root, index)
		if !ok {
			break
		}
		seen = append(seen, e.Name)
		if e.Next == nil {
			break
		}
		index = *e.Next
	}
	for i, want := range names {
		if seen[i] != want {
			t.Fatalf("directory listing order = %v, want insertion order %v", seen, names)
		}
	}
}
