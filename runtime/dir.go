package runtime

import (
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// Dir is an open directory: a thin node-bound handle. It only
// enumerates entries, via ReadDir over storage's directory-entry list;
// entry creation and removal go through the path resolver, not Dir.
type Dir struct {
	Node uint64
	Stat Stat

	s *storage.Storage
}

// NewDir opens node as a Dir.
func NewDir(s *storage.Storage, node uint64, stat Stat) *Dir {
	return &Dir{Node: node, s: s, Stat: stat}
}

// Entry is one (name, node, file type) triple yielded by ReadDir.
type Entry struct {
	Name string
	Node uint64
	Type metadata.FileType
}

// ReadDir enumerates d's children in insertion order by walking the
// doubly-linked entry list anchored at the directory's metadata.
func (d *Dir) ReadDir() ([]Entry, error) {
	meta, err := d.s.Metadata(d.Node, metadata.Regular)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if meta.FirstDirEntry == nil {
		return entries, nil
	}
	index := *meta.FirstDirEntry
	for {
		e, ok := d.s.Dirs().Get(d.Node, index)
		if !ok {
			break
		}
		childMeta, err := d.s.Metadata(e.Node, metadata.Regular)
		ft := metadata.RegularFile
		if err == nil {
			ft = childMeta.FileType
		}
		entries = append(entries, Entry{Name: e.Name, Node: e.Node, Type: ft})
		if e.Next == nil {
			break
		}
		index = *e.Next
	}
	return entries, nil
}
