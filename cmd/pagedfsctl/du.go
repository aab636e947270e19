package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pagedfs/pagedfs/internal/image"
	"github.com/pagedfs/pagedfs/runtime"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// fsMu serializes access to the shared *image.Image across the
// goroutines du's errgroup fans out: pagedfs assumes a single logical
// actor (§5), so concurrency here overlaps traversal bookkeeping, not
// the filesystem calls themselves.
var fsMu sync.Mutex

// duEntry is one reported (name, cumulative size) pair, sorted
// largest-first in the printed report.
type duEntry struct {
	path string
	size uint64
}

// cmdDu reports cumulative file sizes under path (root by default),
// accumulating sibling subtrees concurrently with errgroup, grounded on
// the teacher's use of errgroup for concurrent package scans.
func cmdDu(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("du", flag.ExitOnError)
	fset.Parse(args)
	var imagePath, root string
	switch fset.NArg() {
	case 1:
		imagePath = fset.Arg(0)
	case 2:
		imagePath, root = fset.Arg(0), fset.Arg(1)
	default:
		return xerrors.New("usage: pagedfsctl du <image> [path]")
	}

	img, err := image.Open(imagePath)
	if err != nil {
		return err
	}
	defer img.Close()

	startNode, err := img.FindNodeByParent(metadata.RootNode, relPath(root))
	if err != nil {
		return err
	}

	total, children, err := duDir(ctx, img, startNode, root)
	if err != nil {
		return err
	}

	sort.Slice(children, func(i, j int) bool { return children[i].size > children[j].size })
	for _, c := range children {
		fmt.Printf("%10d  %s\n", c.size, c.path)
	}
	fmt.Printf("%10d  total\n", total)
	return nil
}

// listDir opens node as a directory, reads its entries, and splits
// them into the cumulative size of direct file children and the list
// of subdirectory entries still to be recursed into.
func listDir(img *image.Image, node uint64) (own uint64, subdirs []runtime.Entry, err error) {
	fsMu.Lock()
	defer fsMu.Unlock()

	fd, err := img.OpenByNode(node, runtime.Stat{}, runtime.Directory)
	if err != nil {
		return 0, nil, err
	}
	entries, err := img.ReadDirByFd(fd)
	_ = img.Close(fd)
	if err != nil {
		return 0, nil, err
	}

	for _, e := range entries {
		if e.Type == metadata.Directory {
			subdirs = append(subdirs, e)
			continue
		}
		meta, err := img.Metadata(e.Node)
		if err != nil {
			return 0, nil, err
		}
		own += meta.Size
	}
	return own, subdirs, nil
}

// duDir sums the file sizes directly inside node, then fans out across
// its subdirectories in parallel via an errgroup, collecting each
// subtree's total as one duEntry.
func duDir(ctx context.Context, img *image.Image, node uint64, path string) (uint64, []duEntry, error) {
	own, subdirs, err := listDir(img, node)
	if err != nil {
		return 0, nil, err
	}

	children := make([]duEntry, len(subdirs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subdirs {
		i, sub := i, sub
		g.Go(func() error {
			childPath := path + "/" + sub.Name
			size, _, err := duDir(gctx, img, sub.Node, childPath)
			children[i] = duEntry{path: childPath, size: size}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	total := own
	for _, c := range children {
		total += c.size
	}
	return total, children, nil
}
