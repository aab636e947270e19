// Package storage composes the chunk allocator, the V1 and V2 chunk
// stores, the pointer cache and chunk iterator, the metadata provider,
// and the directory-entry store into the single "storage" capability
// set described in §9: get/put metadata, get/put direntry, read/write
// bytes, rm_file, chunk_size/chunk_type. Callers above (the path
// resolver, the file-descriptor table, the filesystem façade) only ever
// talk to a *Storage.
package storage

import (
	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage/allocator"
	"github.com/pagedfs/pagedfs/storage/chunkiter"
	"github.com/pagedfs/pagedfs/storage/direntry"
	"github.com/pagedfs/pagedfs/storage/journal"
	"github.com/pagedfs/pagedfs/storage/metadata"
	"github.com/pagedfs/pagedfs/storage/pbtree"
	"github.com/pagedfs/pagedfs/storage/ptrcache"
	"github.com/pagedfs/pagedfs/storage/v1store"
	"github.com/pagedfs/pagedfs/storage/v2store"
)

// Memories names the ten consecutive virtual memories storage needs
// (§6): header, regular-metadata BTree, directory-entry BTree, V1 file
// chunks BTree, mounted-metadata BTree, V2 chunk-pointer BTree, V2 chunk
// allocator, V2 chunk arena, journal, plus one reserved for future use.
type Memories struct {
	Header           memory.Memory
	RegularMetaTree  memory.Memory
	DirEntryTree     memory.Memory
	V1Chunks         memory.Memory
	MountedMetaTree  memory.Memory
	V2PointerTree    memory.Memory
	V2Allocator      memory.Memory
	V2Arena          memory.Memory
	Journal          memory.Memory
}

// Storage is the composed storage engine.
type Storage struct {
	mems Memories
	hdr  *header

	alloc *allocator.Allocator
	v1    *v1store.Store
	v2    *v2store.Store
	meta  *metadata.Provider
	dirs  *direntry.Store
	jrnl  *journal.Journal

	cache *ptrcache.Cache

	defaultChunkType metadata.ChunkType

	mounts map[uint64]memory.Memory
}

// Open opens (or initializes) a Storage over mems.
func Open(mems Memories) (*Storage, error) {
	hdr, err := loadHeader(mems.Header)
	if err != nil {
		return nil, err
	}
	alloc, err := allocator.Open(mems.V2Allocator)
	if err != nil {
		return nil, err
	}
	v1, err := v1store.Open(mems.V1Chunks)
	if err != nil {
		return nil, err
	}
	v2, err := v2store.Open(mems.V2PointerTree, mems.V2Arena, alloc)
	if err != nil {
		return nil, err
	}
	regTree, err := pbtree.Open(mems.RegularMetaTree, 8, metadata.EncodeSize)
	if err != nil {
		return nil, err
	}
	mntTree, err := pbtree.Open(mems.MountedMetaTree, 8, metadata.EncodeSize)
	if err != nil {
		return nil, err
	}
	dirs, err := direntry.Open(mems.DirEntryTree)
	if err != nil {
		return nil, err
	}
	jrnl, err := journal.Open(mems.Journal)
	if err != nil {
		return nil, err
	}

	meta := metadata.New(v2, regTree, mntTree)

	s := &Storage{
		mems:             mems,
		hdr:              hdr,
		alloc:            alloc,
		v1:               v1,
		v2:               v2,
		meta:             meta,
		dirs:             dirs,
		jrnl:             jrnl,
		cache:            ptrcache.New(),
		defaultChunkType: metadata.ChunkTypeV2,
		mounts:           make(map[uint64]memory.Memory),
	}

	if node, legacyMeta, ok := jrnl.TakePendingMigration(); ok {
		_ = s.meta.Put(node, metadata.Mounted, legacyMeta)
	}

	return s, nil
}

// Mount registers mem as node's overlay memory (§4.12). It refuses a
// second concurrent mount of the same node.
func (s *Storage) Mount(node uint64, mem memory.Memory) error {
	if _, ok := s.mounts[node]; ok {
		return pagedfserr.New(pagedfserr.DeviceOrResourceBusy)
	}
	s.mounts[node] = mem
	return nil
}

// Unmount removes and returns node's overlay memory, or NoSuchDevice if
// node isn't mounted.
func (s *Storage) Unmount(node uint64) (memory.Memory, error) {
	mem, ok := s.mounts[node]
	if !ok {
		return nil, pagedfserr.New(pagedfserr.NoSuchDevice)
	}
	delete(s.mounts, node)
	return mem, nil
}

// IsMounted reports whether node currently has an overlay memory.
func (s *Storage) IsMounted(node uint64) bool {
	_, ok := s.mounts[node]
	return ok
}

// MetadataNamespaceFor returns the namespace get_metadata/put_metadata
// should address for node: Mounted while a mount is active, Regular
// otherwise (§4.12: "regular metadata continues to exist but is
// shadowed by the mounted metadata").
func (s *Storage) MetadataNamespaceFor(node uint64) metadata.Namespace {
	if s.IsMounted(node) {
		return metadata.Mounted
	}
	return metadata.Regular
}

// Metadata returns node's metadata in namespace ns.
func (s *Storage) Metadata(node uint64, ns metadata.Namespace) (*metadata.Metadata, error) {
	return s.meta.Get(node, ns)
}

// SetMetadata persists meta for node in namespace ns.
func (s *Storage) SetMetadata(node uint64, ns metadata.Namespace, meta *metadata.Metadata) error {
	return s.meta.Put(node, ns, meta)
}

// NewNode mints a fresh, never-reused node id and persists the updated
// counter immediately.
func (s *Storage) NewNode() (uint64, error) {
	node := s.hdr.NextNode
	s.hdr.NextNode++
	if err := storeHeader(s.mems.Header, s.hdr); err != nil {
		return 0, err
	}
	return node, nil
}

// Dirs exposes the directory-entry store directly; the path resolver
// needs fine-grained control over linked-list splicing that doesn't
// belong inside Storage itself.
func (s *Storage) Dirs() *direntry.Store { return s.dirs }

// ChunkSize returns the configured V2 chunk size.
func (s *Storage) ChunkSize() uint64 { return s.alloc.ChunkSize() }

// SetChunkSize reconfigures the V2 chunk size (only effective before any
// V2 allocation has happened).
func (s *Storage) SetChunkSize(n uint64) error { return s.alloc.SetChunkSize(n) }

// resolveChunkType implements the V1/V2 selection rule of §4.6.
func (s *Storage) resolveChunkType(meta *metadata.Metadata) metadata.ChunkType {
	if meta.ChunkType != nil {
		return *meta.ChunkType
	}
	if meta.Size > 0 {
		if s.v2.HasAnyBefore(meta.Node, metadata.ReservedIndexFloor) {
			return metadata.ChunkTypeV2
		}
		return metadata.ChunkTypeV1
	}
	return s.defaultChunkType
}

// ReadBytes reads into buf starting at offset, clamped to the node's
// current size, zero-filling any unwritten (sparse) region. It returns
// the number of bytes actually read.
func (s *Storage) ReadBytes(node uint64, offset uint64, buf []byte) (int, error) {
	if mem, ok := s.mounts[node]; ok {
		return s.readMounted(node, mem, offset, buf)
	}

	meta, err := s.meta.Get(node, metadata.Regular)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(buf))
	if end > meta.Size {
		end = meta.Size
	}
	if end <= offset {
		return 0, nil
	}

	chunkType := s.resolveChunkType(meta)
	var n int
	if chunkType == metadata.ChunkTypeV1 {
		n = s.readV1(node, offset, end, buf)
	} else {
		n = s.readV2(node, offset, end, buf)
	}
	return n, nil
}

func (s *Storage) readMounted(node uint64, mem memory.Memory, offset uint64, buf []byte) (int, error) {
	meta, err := s.meta.Get(node, metadata.Mounted)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(buf))
	if end > meta.Size {
		end = meta.Size
	}
	if end <= offset {
		return 0, nil
	}
	n := int(end - offset)
	mem.Read(offset, buf[:n])
	return n, nil
}

func (s *Storage) writeMounted(node uint64, mem memory.Memory, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	meta, err := s.meta.Get(node, metadata.Mounted)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(buf))
	if meta.MaximumSizeAllowed != nil && end > *meta.MaximumSizeAllowed {
		return 0, pagedfserr.New(pagedfserr.FileTooLarge)
	}
	memory.GrowTo(mem, end-1)
	mem.Write(offset, buf)
	if end > meta.Size {
		meta.Size = end
	}
	if err := s.meta.Put(node, metadata.Mounted, meta); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *Storage) readV2(node uint64, offset, end uint64, buf []byte) int {
	chunkSize := s.alloc.ChunkSize()
	n := 0
	chunkiter.Walk(node, offset, end, chunkSize, s.cache, s.v2, func(step chunkiter.Step) bool {
		dst := buf[n : n+int(step.Len)]
		if step.Entry.Exists {
			s.v2.ReadAt(step.Entry.Ptr, step.ChunkOffset, dst)
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
		n += int(step.Len)
		return true
	})
	return n
}

func (s *Storage) readV1(node uint64, offset, end uint64, buf []byte) int {
	const chunkSize = v1store.ChunkSize
	n := 0
	startIndex := uint32(offset / chunkSize)
	lastIndex := uint32((end - 1) / chunkSize)
	for index := startIndex; index <= lastIndex; index++ {
		var chunkStart uint64
		if index == startIndex {
			chunkStart = offset % chunkSize
		}
		chunkEnd := uint64(chunkSize)
		if index == lastIndex {
			chunkEnd = (end-1)%chunkSize + 1
		}
		length := chunkEnd - chunkStart

		var full [chunkSize]byte
		s.v1.Read(node, index, full[:])
		copy(buf[n:n+int(length)], full[chunkStart:chunkEnd])
		n += int(length)
		if index == ^uint32(0) {
			break
		}
	}
	return n
}

// WriteBytes writes buf at offset, growing node's size and chunk
// storage as needed, subject to any maximum_size_allowed cap.
func (s *Storage) WriteBytes(node uint64, offset uint64, buf []byte) (int, error) {
	if mem, ok := s.mounts[node]; ok {
		return s.writeMounted(node, mem, offset, buf)
	}

	meta, err := s.meta.Get(node, metadata.Regular)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(buf))
	if meta.MaximumSizeAllowed != nil && end > *meta.MaximumSizeAllowed {
		return 0, pagedfserr.New(pagedfserr.FileTooLarge)
	}

	chunkType := s.resolveChunkType(meta)
	if meta.ChunkType == nil {
		ct := chunkType
		meta.ChunkType = &ct
	}

	var n int
	if chunkType == metadata.ChunkTypeV1 {
		n = s.writeV1(node, offset, buf)
	} else {
		n = s.writeV2(node, offset, buf)
	}

	if end > meta.Size {
		meta.Size = end
	}
	if err := s.meta.Put(node, metadata.Regular, meta); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Storage) writeV2(node uint64, offset uint64, buf []byte) int {
	chunkSize := s.alloc.ChunkSize()
	end := offset + uint64(len(buf))
	n := 0
	startIndex := uint32(offset / chunkSize)
	lastIndex := uint32((end - 1) / chunkSize)
	for index := startIndex; index <= lastIndex; index++ {
		var chunkStart uint64
		if index == startIndex {
			chunkStart = offset % chunkSize
		}
		chunkEnd := chunkSize
		if index == lastIndex {
			chunkEnd = (end-1)%chunkSize + 1
		}
		toWrite := chunkEnd - chunkStart

		ptr := s.v2.EnsureChunk(node, index, chunkStart, chunkStart+toWrite)
		s.cache.Set(node, index, ptrcache.Entry{Exists: true, Ptr: ptr})
		s.v2.WriteAt(ptr, chunkStart, buf[n:n+int(toWrite)])
		n += int(toWrite)
		if index == ^uint32(0) {
			break
		}
	}
	return n
}

func (s *Storage) writeV1(node uint64, offset uint64, buf []byte) int {
	const chunkSize = v1store.ChunkSize
	end := offset + uint64(len(buf))
	n := 0
	startIndex := uint32(offset / chunkSize)
	lastIndex := uint32((end - 1) / chunkSize)
	for index := startIndex; index <= lastIndex; index++ {
		var chunkStart uint64
		if index == startIndex {
			chunkStart = offset % chunkSize
		}
		chunkEnd := uint64(chunkSize)
		if index == lastIndex {
			chunkEnd = (end-1)%chunkSize + 1
		}
		toWrite := chunkEnd - chunkStart
		s.v1.Write(node, index, chunkStart, buf[n:n+int(toWrite)])
		n += int(toWrite)
		if index == ^uint32(0) {
			break
		}
	}
	return n
}

// TruncateChunks releases every chunk belonging to node, used by
// rm_file and by a TRUNCATE-to-zero open.
func (s *Storage) TruncateChunks(node uint64) {
	s.v1.DeleteAll(node)
	s.v2.DeleteAll(node)
	s.cache.Clear()
}

// DeleteMetadata removes node's metadata from namespace ns.
func (s *Storage) DeleteMetadata(node uint64, ns metadata.Namespace) {
	s.meta.Delete(node, ns)
}
