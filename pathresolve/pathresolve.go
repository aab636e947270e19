// Package pathresolve implements the path resolver of §4.8: a path
// tokenizer, a filename cache short-circuiting repeated lookups, and
// the directory-entry mutations (add/remove/hard-link) that keep each
// directory's doubly-linked entry list and size in sync with its
// Metadata.
package pathresolve

import (
	"strings"

	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage"
	"github.com/pagedfs/pagedfs/storage/direntry"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

const maxNameLen = 255

// Tokenize splits path into its path-grammar components (§6): no
// leading '/', "." and empty components elided, ".." pops the last
// accumulated component (underflow past the start is an error the
// caller surfaces as OperationNotPermitted).
func Tokenize(path string) ([]string, error) {
	if strings.HasPrefix(path, "/") {
		return nil, pagedfserr.New(pagedfserr.OperationNotPermitted)
	}

	var out []string
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, pagedfserr.New(pagedfserr.OperationNotPermitted)
			}
			out = out[:len(out)-1]
		default:
			if len(comp) > maxNameLen {
				return nil, pagedfserr.New(pagedfserr.FilenameTooLong)
			}
			out = append(out, comp)
		}
	}
	return out, nil
}

// Resolver is the path resolver, holding the process-local filename
// cache on top of a *storage.Storage.
type Resolver struct {
	s     *storage.Storage
	cache map[cacheKey]uint64
}

type cacheKey struct {
	parent uint64
	path   string
}

// New returns a Resolver over s.
func New(s *storage.Storage) *Resolver {
	return &Resolver{s: s, cache: make(map[cacheKey]uint64)}
}

// ClearCache wipes the filename cache. Called conservatively after any
// structural mutation (§4.8: "clear the filename cache (conservative)").
func (r *Resolver) ClearCache() {
	r.cache = make(map[cacheKey]uint64)
}

// FindEntryIndex performs a linear walk over parent's directory entries
// looking for one named name, returning its entry index.
func (r *Resolver) FindEntryIndex(parent uint64, name string) (uint32, error) {
	meta, err := r.s.Metadata(parent, metadata.Regular)
	if err != nil {
		return 0, err
	}
	if meta.FirstDirEntry == nil {
		return 0, pagedfserr.New(pagedfserr.NoSuchFileOrDirectory)
	}
	index := *meta.FirstDirEntry
	for {
		e, ok := r.s.Dirs().Get(parent, index)
		if !ok {
			return 0, pagedfserr.New(pagedfserr.NoSuchFileOrDirectory)
		}
		if e.Name == name {
			return index, nil
		}
		if e.Next == nil {
			return 0, pagedfserr.New(pagedfserr.NoSuchFileOrDirectory)
		}
		index = *e.Next
	}
}

// findChildNode resolves a single path component under parent.
func (r *Resolver) findChildNode(parent uint64, name string) (uint64, error) {
	index, err := r.FindEntryIndex(parent, name)
	if err != nil {
		return 0, err
	}
	e, _ := r.s.Dirs().Get(parent, index)
	return e.Node, nil
}

// FindNode resolves path starting at parent, consulting (and filling)
// the filename cache. Traversing through a non-terminal component that
// isn't a Directory is refused (§5: a SymbolicLink is never followed
// during resolution); see requireTraversable for the error codes.
func (r *Resolver) FindNode(parent uint64, path string) (uint64, error) {
	key := cacheKey{parent, path}
	if node, ok := r.cache[key]; ok {
		return node, nil
	}

	comps, err := Tokenize(path)
	if err != nil {
		return 0, err
	}

	node := parent
	for i, c := range comps {
		node, err = r.findChildNode(node, c)
		if err != nil {
			return 0, err
		}
		if i < len(comps)-1 {
			if err := r.requireTraversable(node); err != nil {
				return 0, err
			}
		}
	}

	r.cache[key] = node
	return node, nil
}

// requireTraversable returns an error if node cannot be descended into
// as a path component: a SymbolicLink yields NotADirectoryOrSymbolicLink
// (never followed during resolution), anything else non-directory
// yields InvalidArgument (cannot traverse a plain file).
func (r *Resolver) requireTraversable(node uint64) error {
	meta, err := r.s.Metadata(node, metadata.Regular)
	if err != nil {
		return err
	}
	switch meta.FileType {
	case metadata.Directory:
		return nil
	case metadata.SymbolicLink:
		return pagedfserr.New(pagedfserr.NotADirectoryOrSymbolicLink)
	default:
		return pagedfserr.New(pagedfserr.InvalidArgument)
	}
}

// CreatePath walks path starting at parent, creating any missing
// intermediate directories, and on reaching the terminal component
// either returns the existing node or creates one of leafType (which
// must be RegularFile or Directory).
func (r *Resolver) CreatePath(parent uint64, path string, leafType *metadata.FileType, ctime uint64) (uint64, error) {
	comps, err := Tokenize(path)
	if err != nil {
		return 0, err
	}
	if len(comps) == 0 {
		return parent, nil
	}

	node := parent
	for i, c := range comps {
		isTerminal := i == len(comps)-1

		child, err := r.findChildNode(node, c)
		if err == nil {
			if !isTerminal {
				if err := r.requireTraversable(child); err != nil {
					return 0, err
				}
			}
			node = child
			continue
		}
		if pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
			return 0, err
		}

		if !isTerminal {
			newNode, err := r.createNode(node, c, metadata.Directory, ctime)
			if err != nil {
				return 0, err
			}
			node = newNode
			continue
		}

		if leafType == nil {
			return 0, pagedfserr.New(pagedfserr.NoSuchFileOrDirectory)
		}
		if *leafType == metadata.SymbolicLink {
			return 0, pagedfserr.New(pagedfserr.InvalidArgument)
		}
		newNode, err := r.createNode(node, c, *leafType, ctime)
		if err != nil {
			return 0, err
		}
		node = newNode
	}

	r.ClearCache()
	return node, nil
}

// CreateSymlink walks path starting at parent exactly like CreatePath,
// creating missing intermediate directories, and on reaching the
// terminal component creates a new SymbolicLink node (§5: the link
// itself stores no target here, the caller writes the target bytes
// into the new node's sole chunk once it has the node id).
func (r *Resolver) CreateSymlink(parent uint64, path string, ctime uint64) (uint64, error) {
	comps, err := Tokenize(path)
	if err != nil {
		return 0, err
	}
	if len(comps) == 0 {
		return 0, pagedfserr.New(pagedfserr.InvalidArgument)
	}

	node := parent
	for i, c := range comps {
		isTerminal := i == len(comps)-1

		if isTerminal {
			if _, err := r.findChildNode(node, c); err == nil {
				return 0, pagedfserr.New(pagedfserr.FileExists)
			} else if pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
				return 0, err
			}
			newNode, err := r.createNode(node, c, metadata.SymbolicLink, ctime)
			if err != nil {
				return 0, err
			}
			node = newNode
			continue
		}

		child, err := r.findChildNode(node, c)
		if err == nil {
			if err := r.requireTraversable(child); err != nil {
				return 0, err
			}
			node = child
			continue
		}
		if pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
			return 0, err
		}
		newNode, err := r.createNode(node, c, metadata.Directory, ctime)
		if err != nil {
			return 0, err
		}
		node = newNode
	}

	r.ClearCache()
	return node, nil
}

func (r *Resolver) createNode(parent uint64, name string, ft metadata.FileType, ctime uint64) (uint64, error) {
	node, err := r.s.NewNode()
	if err != nil {
		return 0, err
	}
	meta := &metadata.Metadata{
		Node:      node,
		FileType:  ft,
		LinkCount: 1,
		Times:     metadata.Times{Accessed: ctime, Modified: ctime, Created: ctime},
	}
	if err := r.s.SetMetadata(node, metadata.Regular, meta); err != nil {
		return 0, err
	}
	if err := r.AddDirEntry(parent, node, name); err != nil {
		return 0, err
	}
	return node, nil
}

// AddDirEntry appends a new entry named name pointing at newNode to the
// end of parent's directory entry list.
func (r *Resolver) AddDirEntry(parent, newNode uint64, name string) error {
	if len(name) > maxNameLen {
		return pagedfserr.New(pagedfserr.FilenameTooLong)
	}
	parentMeta, err := r.s.Metadata(parent, metadata.Regular)
	if err != nil {
		return err
	}

	var index uint32 = 1
	if parentMeta.LastDirEntry != nil {
		index = *parentMeta.LastDirEntry + 1
	}

	if parentMeta.LastDirEntry != nil {
		prevIndex := *parentMeta.LastDirEntry
		prev, ok := r.s.Dirs().Get(parent, prevIndex)
		if ok {
			i := index
			prev.Next = &i
			r.s.Dirs().Put(parent, prevIndex, prev)
		}
	}

	var prevPtr *uint32
	if parentMeta.LastDirEntry != nil {
		p := *parentMeta.LastDirEntry
		prevPtr = &p
	}
	r.s.Dirs().Put(parent, index, &direntry.DirEntry{Name: name, Node: newNode, Prev: prevPtr})

	if parentMeta.FirstDirEntry == nil {
		i := index
		parentMeta.FirstDirEntry = &i
	}
	last := index
	parentMeta.LastDirEntry = &last
	parentMeta.Size++
	return r.s.SetMetadata(parent, metadata.Regular, parentMeta)
}

// RmDirEntry removes the entry named path's final component from
// parent, after the checks of §4.8: mounted nodes refuse removal,
// expectDir (if set) must match the target's type, directories must be
// empty unless isRenaming, and a still-open, single-link node refuses
// removal too.
func (r *Resolver) RmDirEntry(parent uint64, path string, expectDir *bool, isRenaming bool, openRefcount map[uint64]int) error {
	comps, err := Tokenize(path)
	if err != nil {
		return err
	}
	if len(comps) == 0 {
		return pagedfserr.New(pagedfserr.InvalidArgument)
	}
	dirParent := parent
	for _, c := range comps[:len(comps)-1] {
		dirParent, err = r.findChildNode(dirParent, c)
		if err != nil {
			return err
		}
	}
	name := comps[len(comps)-1]

	index, err := r.FindEntryIndex(dirParent, name)
	if err != nil {
		return err
	}
	entry, _ := r.s.Dirs().Get(dirParent, index)
	node := entry.Node

	nodeMeta, err := r.s.Metadata(node, metadata.Regular)
	if err != nil {
		return err
	}
	if r.s.IsMounted(node) {
		return pagedfserr.New(pagedfserr.TextFileBusy)
	}

	if expectDir != nil {
		if *expectDir && nodeMeta.FileType != metadata.Directory {
			return pagedfserr.New(pagedfserr.NotADirectoryOrSymbolicLink)
		}
		if !*expectDir && nodeMeta.FileType == metadata.Directory {
			return pagedfserr.New(pagedfserr.IsDirectory)
		}
	}
	if nodeMeta.FileType == metadata.Directory && nodeMeta.Size != 0 && !isRenaming {
		return pagedfserr.New(pagedfserr.DirectoryNotEmpty)
	}
	if openRefcount[node] > 0 && nodeMeta.LinkCount == 1 {
		return pagedfserr.New(pagedfserr.TextFileBusy)
	}

	r.unlink(dirParent, index, entry)

	nodeMeta.LinkCount--
	if err := r.s.SetMetadata(node, metadata.Regular, nodeMeta); err != nil {
		return err
	}
	r.ClearCache()
	return nil
}

func (r *Resolver) unlink(parent uint64, index uint32, entry *direntry.DirEntry) {
	parentMeta, err := r.s.Metadata(parent, metadata.Regular)
	if err != nil {
		return
	}

	if entry.Prev != nil {
		prev, ok := r.s.Dirs().Get(parent, *entry.Prev)
		if ok {
			prev.Next = entry.Next
			r.s.Dirs().Put(parent, *entry.Prev, prev)
		}
	} else {
		parentMeta.FirstDirEntry = entry.Next
	}

	if entry.Next != nil {
		next, ok := r.s.Dirs().Get(parent, *entry.Next)
		if ok {
			next.Prev = entry.Prev
			r.s.Dirs().Put(parent, *entry.Next, next)
		}
	} else {
		parentMeta.LastDirEntry = entry.Prev
	}

	r.s.Dirs().Delete(parent, index)
	parentMeta.Size--
	_ = r.s.SetMetadata(parent, metadata.Regular, parentMeta)
}

// CreateHardLink resolves srcPath under srcParent and links it into
// dstParent at newPath, per §4.8.
func (r *Resolver) CreateHardLink(dstParent uint64, newPath string, srcParent uint64, srcPath string, isRenaming bool) error {
	srcNode, err := r.FindNode(srcParent, srcPath)
	if err != nil {
		return err
	}
	srcMeta, err := r.s.Metadata(srcNode, metadata.Regular)
	if err != nil {
		return err
	}
	if srcMeta.FileType == metadata.Directory && !isRenaming {
		return pagedfserr.New(pagedfserr.OperationNotPermitted)
	}

	if dstNode, err := r.FindNode(dstParent, newPath); err == nil {
		dstMeta, err := r.s.Metadata(dstNode, metadata.Regular)
		if err != nil {
			return err
		}
		if dstMeta.FileType != srcMeta.FileType {
			return pagedfserr.New(pagedfserr.InvalidArgument)
		}
		if dstMeta.FileType == metadata.Directory && dstMeta.Size != 0 {
			return pagedfserr.New(pagedfserr.DirectoryNotEmpty)
		}
		if err := r.RmDirEntry(dstParent, newPath, nil, false, nil); err != nil {
			return err
		}
	} else if pagedfserr.CodeOf(err) != pagedfserr.NoSuchFileOrDirectory {
		return err
	}

	comps, err := Tokenize(newPath)
	if err != nil {
		return err
	}
	if len(comps) == 0 {
		return pagedfserr.New(pagedfserr.InvalidArgument)
	}
	node := dstParent
	for _, c := range comps[:len(comps)-1] {
		node, err = r.findChildNode(node, c)
		if err != nil {
			return err
		}
	}
	name := comps[len(comps)-1]

	if _, err := r.FindEntryIndex(node, name); err == nil {
		return pagedfserr.New(pagedfserr.FileExists)
	}

	srcMeta.LinkCount++
	if err := r.s.SetMetadata(srcNode, metadata.Regular, srcMeta); err != nil {
		return err
	}
	if err := r.AddDirEntry(node, srcNode, name); err != nil {
		return err
	}
	r.ClearCache()
	return nil
}
