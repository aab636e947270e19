// Package image opens a pagedfs filesystem backed by a single host
// file, the way cmd/pagedfsctl and cmd/pagedfs-fuse need to for a
// standalone process: one real file standing in for the embedding
// application's N-independent-virtual-memories manager.
package image

import (
	"golang.org/x/xerrors"

	"github.com/pagedfs/pagedfs"
	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/storage"
)

const (
	idHeader memory.Id = iota
	idRegularMetaTree
	idDirEntryTree
	idV1Chunks
	idMountedMetaTree
	idV2PointerTree
	idV2Allocator
	idV2Arena
	idJournal
)

// regionPages bounds each virtual memory's share of the backing file;
// generous since only V2Arena and V1Chunks hold file content at any
// real scale and both grow independently inside their own region.
const regionPages = 1 << 16

// Image is an open, file-backed filesystem plus the handle needed to
// flush and close the underlying host file.
type Image struct {
	*pagedfs.Filesystem
	backing *memory.FileBacked
}

// Open opens (or creates) the pagedfs image stored at path.
func Open(path string) (*Image, error) {
	backing, err := memory.OpenFileBacked(path)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w", path, err)
	}
	mgr := memory.NewManager(backing, regionPages)
	mems := storage.Memories{
		Header:          mgr.Get(idHeader),
		RegularMetaTree: mgr.Get(idRegularMetaTree),
		DirEntryTree:    mgr.Get(idDirEntryTree),
		V1Chunks:        mgr.Get(idV1Chunks),
		MountedMetaTree: mgr.Get(idMountedMetaTree),
		V2PointerTree:   mgr.Get(idV2PointerTree),
		V2Allocator:     mgr.Get(idV2Allocator),
		V2Arena:         mgr.Get(idV2Arena),
		Journal:         mgr.Get(idJournal),
	}
	fs, err := pagedfs.Open(mems)
	if err != nil {
		_ = backing.Close()
		return nil, xerrors.Errorf("opening storage over %s: %w", path, err)
	}
	return &Image{Filesystem: fs, backing: backing}, nil
}

// Close releases the backing host file. pagedfs persists synchronously
// on every mutating call, so Close has nothing to flush.
func (img *Image) Close() error {
	return img.backing.Close()
}
