// Package pagedfs implements a persistent, upgrade-safe virtual
// filesystem layered over a paged, byte-addressable block storage
// abstraction: POSIX-style open/close, read/write with cursors and
// scatter-gather buffers, seek, rename, hard-link, recursive delete,
// sparse files, per-file size caps, and a mount subsystem letting an
// external paged memory back a specific file.
package pagedfs

import (
	"time"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/mount"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/pathresolve"
	"github.com/pagedfs/pagedfs/runtime"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// RootPath is the façade's root directory path, by convention.
const RootPath = "/"

// Clock returns the current time as nanoseconds since an arbitrary
// epoch, used to stamp accessed/modified times on every successful
// read/write (§5 supplemented feature: a read updates accessed, a
// write updates modified, created stays immutable after creation).
// Tests substitute a deterministic Clock so time-touch assertions don't
// depend on wall-clock timing.
type Clock func() uint64

func defaultClock() uint64 { return uint64(time.Now().UnixNano()) }

// Filesystem is the top-level façade composing storage, the path
// resolver, the FD table, and the mount manager (§4.11).
type Filesystem struct {
	storage  *storage.Storage
	resolver *pathresolve.Resolver
	fds      *runtime.Table
	mounts   *mount.Manager
	clock    Clock
}

// Open opens (or initializes) a Filesystem over mems.
func Open(mems storage.Memories) (*Filesystem, error) {
	s, err := storage.Open(mems)
	if err != nil {
		return nil, err
	}
	return &Filesystem{
		storage:  s,
		resolver: pathresolve.New(s),
		fds:      runtime.NewTable(),
		mounts:   mount.New(s),
		clock:    defaultClock,
	}, nil
}

// SetClock overrides the Filesystem's source of "now" for accessed/modified
// time-touch updates; by default it is wall-clock time.
func (fs *Filesystem) SetClock(c Clock) { fs.clock = c }

// touch stamps node's accessed and/or modified time with the current
// clock reading. Failures are ignored: a touch is best-effort bookkeeping,
// never a reason to fail the read/write that triggered it.
func (fs *Filesystem) touch(node uint64, accessed, modified bool) {
	ns := fs.storage.MetadataNamespaceFor(node)
	meta, err := fs.storage.Metadata(node, ns)
	if err != nil {
		return
	}
	now := fs.clock()
	if accessed {
		meta.Times.Accessed = now
	}
	if modified {
		meta.Times.Modified = now
	}
	_ = fs.storage.SetMetadata(node, ns, meta)
}

// rootDir returns a fresh Dir handle bound to the root node; RootFd
// registers one in the FD table.
func (fs *Filesystem) rootDir() *runtime.Dir {
	return runtime.NewDir(fs.storage, metadata.RootNode, runtime.Stat{})
}

// OpenFile is the façade's open operation. parent is usually the root
// node (metadata.RootNode) or another directory's node.
func (fs *Filesystem) OpenFile(parent uint64, path string, stat runtime.Stat, flags runtime.OpenFlags, ctime uint64) (runtime.Fd, error) {
	node, err := fs.resolver.FindNode(parent, path)
	if err == nil {
		if flags&runtime.Create != 0 && flags&runtime.Exclusive != 0 {
			return 0, pagedfserr.New(pagedfserr.FileExists)
		}
		return fs.openExisting(node, stat, flags)
	}
	if pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
		return 0, err
	}
	if flags&runtime.Create == 0 {
		return 0, err
	}

	leaf := metadata.RegularFile
	if flags&runtime.Directory != 0 {
		leaf = metadata.Directory
	}
	node, err = fs.resolver.CreatePath(parent, path, &leaf, ctime)
	if err != nil {
		return 0, err
	}
	return fs.openExisting(node, stat, flags)
}

// OpenForMount satisfies mount.Opener: open-or-create path as a
// regular file and return its node, without leaving an FD open.
func (fs *Filesystem) OpenForMount(path string, ctime uint64) (uint64, error) {
	leaf := metadata.RegularFile
	return fs.resolver.CreatePath(metadata.RootNode, path, &leaf, ctime)
}

func (fs *Filesystem) openExisting(node uint64, stat runtime.Stat, flags runtime.OpenFlags) (runtime.Fd, error) {
	meta, err := fs.storage.Metadata(node, fs.storage.MetadataNamespaceFor(node))
	if err != nil {
		return 0, err
	}

	if meta.FileType == metadata.Directory {
		return fs.fds.Open(runtime.FdEntry{Dir: runtime.NewDir(fs.storage, node, stat)}), nil
	}
	if flags&runtime.Directory != 0 {
		return 0, pagedfserr.New(pagedfserr.InvalidArgument)
	}
	f, err := runtime.NewFile(fs.storage, node, flags, stat)
	if err != nil {
		return 0, err
	}
	return fs.fds.Open(runtime.FdEntry{File: f}), nil
}

// Close releases fd.
func (fs *Filesystem) Close(fd runtime.Fd) error { return fs.fds.Close(fd) }

func (fs *Filesystem) file(fd runtime.Fd) (*runtime.File, error) {
	e, err := fs.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	if e.File == nil {
		return nil, pagedfserr.New(pagedfserr.IsDirectory)
	}
	return e.File, nil
}

func (fs *Filesystem) dir(fd runtime.Fd) (*runtime.Dir, error) {
	e, err := fs.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	if e.Dir == nil {
		return nil, pagedfserr.New(pagedfserr.NotADirectoryOrSymbolicLink)
	}
	return e.Dir, nil
}

// Read reads into buf from fd's cursor.
func (fs *Filesystem) Read(fd runtime.Fd, buf []byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadWithCursor(buf)
	if err == nil || n > 0 {
		fs.touch(f.Node, true, false)
	}
	return n, err
}

// Write writes buf at fd's cursor.
func (fs *Filesystem) Write(fd runtime.Fd, buf []byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteWithCursor(buf)
	if n > 0 {
		fs.touch(f.Node, false, true)
	}
	return n, err
}

// ReadVec reads into each buffer in bufs in order from fd's cursor.
func (fs *Filesystem) ReadVec(fd runtime.Fd, bufs [][]byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadVecWithCursor(bufs)
	if n > 0 {
		fs.touch(f.Node, true, false)
	}
	return n, err
}

// WriteVec writes each buffer in bufs in order at fd's cursor.
func (fs *Filesystem) WriteVec(fd runtime.Fd, bufs [][]byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteVecWithCursor(bufs)
	if n > 0 {
		fs.touch(f.Node, false, true)
	}
	return n, err
}

// ReadVecWithOffset reads into each buffer in bufs starting at offset,
// without touching fd's cursor.
func (fs *Filesystem) ReadVecWithOffset(fd runtime.Fd, offset uint64, bufs [][]byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, b := range bufs {
		n, err := f.ReadAt(offset+uint64(total), b)
		total += n
		if err != nil {
			if total > 0 {
				fs.touch(f.Node, true, false)
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	if total > 0 {
		fs.touch(f.Node, true, false)
	}
	return total, nil
}

// WriteVecWithOffset writes each buffer in bufs starting at offset,
// without touching fd's cursor.
func (fs *Filesystem) WriteVecWithOffset(fd runtime.Fd, offset uint64, bufs [][]byte) (int, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, b := range bufs {
		n, err := f.WriteAt(offset+uint64(total), b)
		total += n
		if err != nil {
			if total > 0 {
				fs.touch(f.Node, false, true)
			}
			return total, err
		}
	}
	if total > 0 {
		fs.touch(f.Node, false, true)
	}
	return total, nil
}

// Seek repositions fd's cursor.
func (fs *Filesystem) Seek(fd runtime.Fd, delta int64, whence runtime.Whence) (uint64, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Seek(delta, whence)
}

// Tell returns fd's current cursor.
func (fs *Filesystem) Tell(fd runtime.Fd) (uint64, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	return f.Cursor(), nil
}

// Mkdir creates path (and any missing intermediates) as a directory.
func (fs *Filesystem) Mkdir(parent uint64, path string, ctime uint64) (uint64, error) {
	leaf := metadata.Directory
	return fs.resolver.CreatePath(parent, path, &leaf, ctime)
}

// RemoveFile removes the regular file at path.
func (fs *Filesystem) RemoveFile(parent uint64, path string) error {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return err
	}
	if err := mount.DeleteGuard(fs.storage, node); err != nil {
		return err
	}
	expectDir := false
	if err := fs.resolver.RmDirEntry(parent, path, &expectDir, false, fs.fds.NodeRefcount()); err != nil {
		return err
	}
	return fs.reclaimIfOrphaned(node)
}

// RemoveDir removes the empty directory at path.
func (fs *Filesystem) RemoveDir(parent uint64, path string) error {
	expectDir := true
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return err
	}
	if err := fs.resolver.RmDirEntry(parent, path, &expectDir, false, fs.fds.NodeRefcount()); err != nil {
		return err
	}
	return fs.reclaimIfOrphaned(node)
}

func (fs *Filesystem) reclaimIfOrphaned(node uint64) error {
	meta, err := fs.storage.Metadata(node, metadata.Regular)
	if err != nil {
		return nil // already gone
	}
	if meta.LinkCount > 0 {
		return nil
	}
	fs.storage.TruncateChunks(node)
	fs.storage.DeleteMetadata(node, metadata.Regular)
	return nil
}

// RemoveRecursive removes path, recursing into directories post-order
// (§4.11).
func (fs *Filesystem) RemoveRecursive(parent uint64, path string, ctime uint64) error {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return err
	}
	meta, err := fs.storage.Metadata(node, metadata.Regular)
	if err != nil {
		return err
	}
	if meta.FileType != metadata.Directory {
		return fs.RemoveFile(parent, path)
	}

	fd, err := fs.OpenFile(parent, path, runtime.Stat{}, 0, ctime)
	if err != nil {
		return err
	}
	d, err := fs.dir(fd)
	if err != nil {
		_ = fs.Close(fd)
		return err
	}
	entries, err := d.ReadDir()
	if err != nil {
		_ = fs.Close(fd)
		return err
	}
	for _, e := range entries {
		if e.Type == metadata.Directory {
			if err := fs.RemoveRecursive(node, e.Name, ctime); err != nil {
				_ = fs.Close(fd)
				return err
			}
		} else {
			if err := fs.RemoveFile(node, e.Name); err != nil {
				_ = fs.Close(fd)
				return err
			}
		}
	}
	if err := fs.Close(fd); err != nil {
		return err
	}
	return fs.RemoveDir(parent, path)
}

// CreateHardLink links srcPath under srcParent into dstPath under
// dstParent.
func (fs *Filesystem) CreateHardLink(dstParent uint64, dstPath string, srcParent uint64, srcPath string) error {
	return fs.resolver.CreateHardLink(dstParent, dstPath, srcParent, srcPath, false)
}

// Rename moves srcPath to dstPath, implemented as hard-link plus
// rm_dir_entry on the source (§4.8).
func (fs *Filesystem) Rename(dstParent uint64, dstPath string, srcParent uint64, srcPath string) error {
	if err := fs.resolver.CreateHardLink(dstParent, dstPath, srcParent, srcPath, true); err != nil {
		return err
	}
	return fs.resolver.RmDirEntry(srcParent, srcPath, nil, true, nil)
}

// Metadata returns node's metadata, consulting the mounted namespace
// while the node is mounted.
func (fs *Filesystem) Metadata(node uint64) (*metadata.Metadata, error) {
	return fs.storage.Metadata(node, fs.storage.MetadataNamespaceFor(node))
}

// SetMetadata persists meta for node, in the namespace mount status
// selects.
func (fs *Filesystem) SetMetadata(node uint64, meta *metadata.Metadata) error {
	return fs.storage.SetMetadata(node, fs.storage.MetadataNamespaceFor(node), meta)
}

// SetFileSizeLimit sets node's maximum_size_allowed, rejecting a limit
// below its current size.
func (fs *Filesystem) SetFileSizeLimit(node uint64, limit uint64) error {
	ns := fs.storage.MetadataNamespaceFor(node)
	meta, err := fs.storage.Metadata(node, ns)
	if err != nil {
		return err
	}
	if meta.Size > limit {
		return pagedfserr.New(pagedfserr.FileTooLarge)
	}
	meta.MaximumSizeAllowed = &limit
	return fs.storage.SetMetadata(node, ns, meta)
}

// SetAccessedTime sets node's accessed timestamp.
func (fs *Filesystem) SetAccessedTime(node uint64, t uint64) error {
	ns := fs.storage.MetadataNamespaceFor(node)
	meta, err := fs.storage.Metadata(node, ns)
	if err != nil {
		return err
	}
	meta.Times.Accessed = t
	return fs.storage.SetMetadata(node, ns, meta)
}

// SetModifiedTime sets node's modified timestamp.
func (fs *Filesystem) SetModifiedTime(node uint64, t uint64) error {
	ns := fs.storage.MetadataNamespaceFor(node)
	meta, err := fs.storage.Metadata(node, ns)
	if err != nil {
		return err
	}
	meta.Times.Modified = t
	return fs.storage.SetMetadata(node, ns, meta)
}

// Stat is the coarse get_stat/set_stat payload: a file's type, size,
// link count, and timestamps.
type Stat struct {
	Node      uint64
	FileType  metadata.FileType
	Size      uint64
	LinkCount uint64
	Times     metadata.Times
}

// GetStat returns a Stat summary for node.
func (fs *Filesystem) GetStat(node uint64) (Stat, error) {
	meta, err := fs.Metadata(node)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Node:      meta.Node,
		FileType:  meta.FileType,
		Size:      meta.Size,
		LinkCount: meta.LinkCount,
		Times:     meta.Times,
	}, nil
}

// SetStat applies a Stat summary's mutable fields (size and times) back
// onto node's metadata.
func (fs *Filesystem) SetStat(node uint64, stat Stat) error {
	ns := fs.storage.MetadataNamespaceFor(node)
	meta, err := fs.storage.Metadata(node, ns)
	if err != nil {
		return err
	}
	meta.Size = stat.Size
	meta.Times = stat.Times
	return fs.storage.SetMetadata(node, ns, meta)
}

// MountMemoryFile mounts mem over path, creating the file if absent.
func (fs *Filesystem) MountMemoryFile(path string, mem memory.Memory, ctime uint64) error {
	return fs.mounts.MountMemoryFile(fs, path, mem, ctime)
}

// InitMemoryFile copies path's on-disk contents into its mounted
// memory.
func (fs *Filesystem) InitMemoryFile(parent uint64, path string) error {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return err
	}
	return fs.mounts.InitMemoryFile(node)
}

// StoreMemoryFile copies path's mounted-memory contents back into its
// chunk storage.
func (fs *Filesystem) StoreMemoryFile(parent uint64, path string) error {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return err
	}
	return fs.mounts.StoreMemoryFile(node)
}

// UnmountMemoryFile detaches path's overlay memory and returns it.
func (fs *Filesystem) UnmountMemoryFile(parent uint64, path string) (memory.Memory, error) {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return nil, err
	}
	return fs.mounts.UnmountMemoryFile(node)
}

// Flush is a no-op: every write in this filesystem is already
// synchronous against its backing memories (§5).
func (fs *Filesystem) Flush(runtime.Fd) error { return nil }

// Renumber moves fd src to dst.
func (fs *Filesystem) Renumber(src, dst runtime.Fd) error {
	return fs.fds.Renumber(src, dst)
}

// RootFd opens and returns an Fd bound to the root directory.
func (fs *Filesystem) RootFd() runtime.Fd {
	return fs.fds.Open(runtime.FdEntry{Dir: fs.rootDir()})
}

// FindNodeByParent resolves name, a relative path of one or more
// components, under parent's node, without opening an Fd. Used by the FUSE frontend's
// lookup path, which only ever has an inode (a node id) and a name.
func (fs *Filesystem) FindNodeByParent(parent uint64, name string) (uint64, error) {
	return fs.resolver.FindNode(parent, name)
}

// OpenByNode opens an already-resolved node directly, bypassing path
// resolution; used by the FUSE frontend, which already holds the node
// as its inode number and has no path to resolve.
func (fs *Filesystem) OpenByNode(node uint64, stat runtime.Stat, flags runtime.OpenFlags) (runtime.Fd, error) {
	return fs.openExisting(node, stat, flags)
}

// ReadDirByFd enumerates the directory open at fd.
func (fs *Filesystem) ReadDirByFd(fd runtime.Fd) ([]runtime.Entry, error) {
	d, err := fs.dir(fd)
	if err != nil {
		return nil, err
	}
	return d.ReadDir()
}

// CreateSymlink creates an inert symbolic link at path under parent,
// storing target as the link's sole chunk of bytes (§5 supplemented
// feature, grounded on the original's runtime/symlink.rs). The target is
// never interpreted or followed during path resolution: find_node and
// create_path refuse to traverse through a SymbolicLink node with
// NotADirectoryOrSymbolicLink (a plain file in the same position yields
// InvalidArgument instead).
func (fs *Filesystem) CreateSymlink(parent uint64, path, target string, ctime uint64) (uint64, error) {
	node, err := fs.resolver.CreateSymlink(parent, path, ctime)
	if err != nil {
		return 0, err
	}
	if _, err := fs.storage.WriteBytes(node, 0, []byte(target)); err != nil {
		return 0, err
	}
	return node, nil
}

// ReadLink returns the target path stored in the symbolic link at path.
func (fs *Filesystem) ReadLink(parent uint64, path string) (string, error) {
	node, err := fs.resolver.FindNode(parent, path)
	if err != nil {
		return "", err
	}
	meta, err := fs.storage.Metadata(node, metadata.Regular)
	if err != nil {
		return "", err
	}
	if meta.FileType != metadata.SymbolicLink {
		return "", pagedfserr.New(pagedfserr.InvalidArgument)
	}
	buf := make([]byte, meta.Size)
	if _, err := fs.storage.ReadBytes(node, 0, buf); err != nil {
		return "", err
	}
	fs.touch(node, true, false)
	return string(buf), nil
}
