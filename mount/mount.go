// Package mount implements the mount manager of §4.12: the
// open/copy/close choreography around Storage's low-level mount
// redirect, letting an externally supplied paged memory back a
// specific file's contents in place of the chunk stores.
package mount

import (
	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// Opener is the subset of the filesystem façade the mount manager
// needs to open-or-create the target file and learn its node while
// mounting; no FD is opened.
type Opener interface {
	OpenForMount(path string, ctime uint64) (uint64, error)
}

// Manager is the mount manager.
type Manager struct {
	s *storage.Storage
}

// New returns a Manager over s.
func New(s *storage.Storage) *Manager {
	return &Manager{s: s}
}

// MountMemoryFile creates path if absent, registers mem as its overlay
// memory, and seeds the mounted-metadata namespace from the file's
// regular metadata (with size reset to zero) if this is the node's
// first mount ever.
func (m *Manager) MountMemoryFile(opener Opener, path string, mem memory.Memory, ctime uint64) error {
	node, err := opener.OpenForMount(path, ctime)
	if err != nil {
		return err
	}

	if err := m.s.Mount(node, mem); err != nil {
		return err
	}

	if _, err := m.s.Metadata(node, metadata.Mounted); err != nil {
		regMeta, err := m.s.Metadata(node, metadata.Regular)
		if err != nil {
			return err
		}
		seed := regMeta.Clone()
		seed.Size = 0
		if err := m.s.SetMetadata(node, metadata.Mounted, seed); err != nil {
			return err
		}
	}
	return nil
}

// InitMemoryFile copies the node's on-disk chunk contents into its
// mounted memory, one 64 KiB page at a time: unmount temporarily so
// reads hit the chunk stores, copy, remount, and persist the resulting
// mounted metadata.
func (m *Manager) InitMemoryFile(node uint64) error {
	mem, err := m.s.Unmount(node)
	if err != nil {
		return err
	}

	regMeta, err := m.s.Metadata(node, metadata.Regular)
	if err != nil {
		_ = m.s.Mount(node, mem)
		return err
	}

	if err := copyPaged(regMeta.Size, func(off uint64, buf []byte) (int, error) {
		return m.s.ReadBytes(node, off, buf)
	}, func(off uint64, buf []byte) error {
		memory.GrowTo(mem, off+uint64(len(buf))-1)
		mem.Write(off, buf)
		return nil
	}); err != nil {
		_ = m.s.Mount(node, mem)
		return err
	}

	if err := m.s.Mount(node, mem); err != nil {
		return err
	}
	mountMeta, err := m.s.Metadata(node, metadata.Mounted)
	if err != nil {
		return err
	}
	mountMeta.Size = regMeta.Size
	return m.s.SetMetadata(node, metadata.Mounted, mountMeta)
}

// StoreMemoryFile mirrors InitMemoryFile: copies from the mounted
// memory back into the node's chunk storage.
func (m *Manager) StoreMemoryFile(node uint64) error {
	mem, err := m.s.Unmount(node)
	if err != nil {
		return err
	}

	mountMeta, err := m.s.Metadata(node, metadata.Mounted)
	if err != nil {
		_ = m.s.Mount(node, mem)
		return err
	}

	if err := copyPaged(mountMeta.Size, func(off uint64, buf []byte) (int, error) {
		mem.Read(off, buf)
		return len(buf), nil
	}, func(off uint64, buf []byte) error {
		_, err := m.s.WriteBytes(node, off, buf)
		return err
	}); err != nil {
		_ = m.s.Mount(node, mem)
		return err
	}

	return m.s.Mount(node, mem)
}

// UnmountMemoryFile removes and returns node's overlay memory; the
// regular metadata remains valid and untouched.
func (m *Manager) UnmountMemoryFile(node uint64) (memory.Memory, error) {
	return m.s.Unmount(node)
}

const copyPageSize = 64 * 1024

func copyPaged(size uint64, read func(off uint64, buf []byte) (int, error), write func(off uint64, buf []byte) error) error {
	buf := make([]byte, copyPageSize)
	for off := uint64(0); off < size; off += copyPageSize {
		n := copyPageSize
		if remaining := size - off; remaining < copyPageSize {
			n = int(remaining)
		}
		if _, err := read(off, buf[:n]); err != nil {
			return err
		}
		if err := write(off, buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteGuard returns CannotRemoveMountedMemoryFile if node is
// currently mounted; the façade's remove_file path consults this
// before RmDirEntry's own TextFileBusy check.
func DeleteGuard(s *storage.Storage, node uint64) error {
	if s.IsMounted(node) {
		return pagedfserr.New(pagedfserr.CannotRemoveMountedMemoryFile)
	}
	return nil
}
