// Package fuseadapter exposes a *pagedfs.Filesystem as a jacobsa/fuse
// file system, translating FUSE inode/handle operations into façade
// calls. Inode numbers are pagedfs node ids directly: node 1 is both
// pagedfs's RootNode and FUSE's root inode, so no separate inode table
// is needed.
package fuseadapter

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/pagedfs/pagedfs"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/runtime"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// never is used for FUSE expiration timestamps: node attributes only
// change through this same process, so the kernel can cache them
// indefinitely within a single mount.
var never = time.Now().Add(365 * 24 * time.Hour)

type fsAdapter struct {
	fuseutil.NotImplementedFileSystem

	fs *pagedfs.Filesystem

	mu      sync.Mutex
	handles map[fuseops.HandleID]runtime.Fd
	nextH   fuseops.HandleID
}

// New wraps fs as a fuseutil.FileSystem.
func New(fs *pagedfs.Filesystem) fuseutil.FileSystem {
	return &fsAdapter{fs: fs, handles: make(map[fuseops.HandleID]runtime.Fd), nextH: 1}
}

// Mount mounts fs at mountpoint and returns a join function, in the
// style of a typical jacobsa/fuse frontend.
func Mount(ctx context.Context, fs *pagedfs.Filesystem, mountpoint string) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(New(fs))
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName: "pagedfs",
		Options: map[string]string{
			"allow_other": "",
		},
	})
	if err != nil {
		return nil, err
	}
	join = func(ctx context.Context) error {
		defer syscall.Unmount(mountpoint, 0)
		return mfs.Join(ctx)
	}
	return join, nil
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	switch pagedfserr.CodeOf(err) {
	case pagedfserr.NoSuchFileOrDirectory:
		return fuse.ENOENT
	case pagedfserr.FileExists:
		return fuse.EEXIST
	case pagedfserr.IsDirectory:
		return syscall.EISDIR
	case pagedfserr.NotADirectoryOrSymbolicLink:
		return syscall.ENOTDIR
	case pagedfserr.DirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case pagedfserr.PermissionDenied:
		return syscall.EACCES
	case pagedfserr.InvalidArgument:
		return syscall.EINVAL
	case pagedfserr.FileTooLarge:
		return syscall.EFBIG
	case pagedfserr.FilenameTooLong:
		return syscall.ENAMETOOLONG
	case pagedfserr.TextFileBusy:
		return syscall.ETXTBSY
	case pagedfserr.DeviceOrResourceBusy:
		return syscall.EBUSY
	case pagedfserr.BadFileDescriptor:
		return syscall.EBADF
	default:
		return fuse.EIO
	}
}

func attrsFor(meta *metadata.Metadata) fuseops.InodeAttributes {
	mode := os.FileMode(0644)
	if meta.FileType == metadata.Directory {
		mode = os.ModeDir | 0755
	}
	return fuseops.InodeAttributes{
		Size:  meta.Size,
		Nlink: uint32(meta.LinkCount),
		Mode:  mode,
		Atime: time.Unix(0, int64(meta.Times.Accessed)),
		Mtime: time.Unix(0, int64(meta.Times.Modified)),
		Ctime: time.Unix(0, int64(meta.Times.Created)),
	}
}

func (a *fsAdapter) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (a *fsAdapter) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	node, err := a.fs.FindNodeByParent(uint64(op.Parent), op.Name)
	if err != nil {
		return toErrno(err)
	}
	meta, err := a.fs.Metadata(node)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(node)
	op.Entry.Attributes = attrsFor(meta)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (a *fsAdapter) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	meta, err := a.fs.Metadata(uint64(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsFor(meta)
	op.AttributesExpiration = never
	return nil
}

func (a *fsAdapter) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	node := uint64(op.Inode)
	if op.Size != nil {
		stat, err := a.fs.GetStat(node)
		if err != nil {
			return toErrno(err)
		}
		stat.Size = *op.Size
		if err := a.fs.SetStat(node, stat); err != nil {
			return toErrno(err)
		}
	}
	if op.Mtime != nil {
		if err := a.fs.SetModifiedTime(node, uint64(op.Mtime.UnixNano())); err != nil {
			return toErrno(err)
		}
	}
	if op.Atime != nil {
		if err := a.fs.SetAccessedTime(node, uint64(op.Atime.UnixNano())); err != nil {
			return toErrno(err)
		}
	}
	meta, err := a.fs.Metadata(node)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = attrsFor(meta)
	op.AttributesExpiration = never
	return nil
}

func (a *fsAdapter) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	node, err := a.fs.Mkdir(uint64(op.Parent), op.Name, uint64(time.Now().UnixNano()))
	if err != nil {
		return toErrno(err)
	}
	meta, err := a.fs.Metadata(node)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(node)
	op.Entry.Attributes = attrsFor(meta)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (a *fsAdapter) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	ctime := uint64(time.Now().UnixNano())
	fd, err := a.fs.OpenFile(uint64(op.Parent), op.Name, runtime.Stat{}, runtime.Create|runtime.Exclusive, ctime)
	if err != nil {
		return toErrno(err)
	}
	node, err := a.fs.FindNodeByParent(uint64(op.Parent), op.Name)
	if err != nil {
		_ = a.fs.Close(fd)
		return toErrno(err)
	}
	meta, err := a.fs.Metadata(node)
	if err != nil {
		_ = a.fs.Close(fd)
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(node)
	op.Entry.Attributes = attrsFor(meta)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never

	a.mu.Lock()
	h := a.nextH
	a.nextH++
	a.handles[h] = fd
	a.mu.Unlock()
	op.Handle = h
	return nil
}

func (a *fsAdapter) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	// The façade's CreateHardLink takes a source path, not a raw target
	// inode, and the kernel gives us only the target's inode number here;
	// without a parent-tracking inode table there is no path to resolve
	// it back to. Unsupported until inodes carry their originating path.
	return toErrno(pagedfserr.New(pagedfserr.OperationNotPermitted))
}

func (a *fsAdapter) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	err := a.fs.Rename(uint64(op.NewParent), op.NewName, uint64(op.OldParent), op.OldName)
	return toErrno(err)
}

func (a *fsAdapter) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return toErrno(a.fs.RemoveDir(uint64(op.Parent), op.Name))
}

func (a *fsAdapter) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return toErrno(a.fs.RemoveFile(uint64(op.Parent), op.Name))
}

func (a *fsAdapter) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fd, err := a.fs.OpenFile(uint64(op.Inode), "", runtime.Stat{}, runtime.Directory, 0)
	if err != nil {
		return toErrno(err)
	}
	a.mu.Lock()
	h := a.nextH
	a.nextH++
	a.handles[h] = fd
	a.mu.Unlock()
	op.Handle = h
	return nil
}

func (a *fsAdapter) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fd, ok := a.handle(op.Handle)
	if !ok {
		return fuse.EIO
	}
	entries, err := a.fs.ReadDirByFd(fd)
	if err != nil {
		return toErrno(err)
	}
	if int(op.Offset) > len(entries) {
		return fuse.EIO
	}

	var dirents []fuseutil.Dirent
	for i, e := range entries {
		typ := fuseutil.DT_File
		if e.Type == metadata.Directory {
			typ = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.Node),
			Name:   e.Name,
			Type:   typ,
		})
	}

	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (a *fsAdapter) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return a.releaseHandle(op.Handle)
}

func (a *fsAdapter) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fd, err := a.fs.OpenByNode(uint64(op.Inode), runtime.Stat{}, 0)
	if err != nil {
		return toErrno(err)
	}
	a.mu.Lock()
	h := a.nextH
	a.nextH++
	a.handles[h] = fd
	a.mu.Unlock()
	op.Handle = h
	return nil
}

func (a *fsAdapter) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fd, ok := a.handle(op.Handle)
	if !ok {
		return fuse.EIO
	}
	n, err := a.fs.ReadVecWithOffset(fd, uint64(op.Offset), [][]byte{op.Dst})
	op.BytesRead = n
	return toErrno(err)
}

func (a *fsAdapter) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fd, ok := a.handle(op.Handle)
	if !ok {
		return fuse.EIO
	}
	_, err := a.fs.WriteVecWithOffset(fd, uint64(op.Offset), [][]byte{op.Data})
	return toErrno(err)
}

func (a *fsAdapter) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return a.releaseHandle(op.Handle)
}

func (a *fsAdapter) handle(h fuseops.HandleID) (runtime.Fd, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fd, ok := a.handles[h]
	return fd, ok
}

func (a *fsAdapter) releaseHandle(h fuseops.HandleID) error {
	a.mu.Lock()
	fd, ok := a.handles[h]
	delete(a.handles, h)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return toErrno(a.fs.Close(fd))
}

func (a *fsAdapter) Destroy() {}
