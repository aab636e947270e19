// Command pagedfsctl administers a pagedfs image stored in a single
// host file: directory listing, reading/writing file contents, a
// snapshot export/import pair, and a disk-usage report. Its dispatch
// style — global flag.FlagSet per verb, a verbs map, funcmain() error
// separated from main() — mirrors cmd/distri/distri.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/pagedfs/pagedfs/internal/image"
	"github.com/pagedfs/pagedfs/runtime"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

type cmd struct {
	fn    func(ctx context.Context, args []string) error
	usage string
}

var verbs map[string]cmd

func init() {
	verbs = map[string]cmd{
		"ls":     {fn: cmdLs, usage: "pagedfsctl ls <image> <path>"},
		"cat":    {fn: cmdCat, usage: "pagedfsctl cat <image> <path>"},
		"write":  {fn: cmdWrite, usage: "pagedfsctl write <image> <path>  (reads stdin)"},
		"mkdir":  {fn: cmdMkdir, usage: "pagedfsctl mkdir <image> <path>"},
		"rm":     {fn: cmdRm, usage: "pagedfsctl rm [-r] <image> <path>"},
		"du":     {fn: cmdDu, usage: "pagedfsctl du <image> [path]"},
		"fsck":   {fn: cmdFsck, usage: "pagedfsctl fsck <image>"},
		"export": {fn: cmdExport, usage: "pagedfsctl export <image> <snapshot.tar.gz>"},
		"import": {fn: cmdImport, usage: "pagedfsctl import <image> <snapshot.tar.gz>"},
	}
}

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }

// interruptibleContext returns a context canceled on SIGINT/SIGTERM, in
// the style of the teacher's context.go helper.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		cancel()
	}()
	return ctx, cancel
}

func funcmain() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pagedfsctl administers a pagedfs image.\n\nVerbs:\n")
		for name, c := range verbs {
			fmt.Fprintf(os.Stderr, "  %-8s %s\n", name, c.usage)
		}
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return xerrors.New("no verb specified")
	}
	c, ok := verbs[args[0]]
	if !ok {
		flag.Usage()
		return xerrors.Errorf("unknown verb %q", args[0])
	}
	ctx, cancel := interruptibleContext()
	defer cancel()
	return c.fn(ctx, args[1:])
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// progress prints a single progress dot, suppressed when stdout is not
// a tty (matching the teacher's CLI-ergonomics use of go-isatty).
func progress() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprint(os.Stderr, ".")
	}
}

func relPath(path string) string {
	return strings.TrimPrefix(path, "/")
}

func cmdLs(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("ls", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl ls <image> <path>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	node, err := img.FindNodeByParent(metadata.RootNode, relPath(fset.Arg(1)))
	if err != nil {
		return err
	}
	fd, err := img.OpenByNode(node, runtime.Stat{}, runtime.Directory)
	if err != nil {
		return err
	}
	defer img.Close(fd)

	entries, err := img.ReadDirByFd(fd)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "f"
		if e.Type == metadata.Directory {
			kind = "d"
		} else if e.Type == metadata.SymbolicLink {
			kind = "l"
		}
		fmt.Printf("%s %s\n", kind, e.Name)
	}
	return nil
}

func cmdCat(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("cat", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl cat <image> <path>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	fd, err := img.OpenFile(metadata.RootNode, relPath(fset.Arg(1)), runtime.Stat{}, 0, 0)
	if err != nil {
		return err
	}
	defer img.Close(fd)

	buf := make([]byte, 64*1024)
	for {
		n, err := img.Read(fd, buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil || n == 0 {
			return err
		}
	}
}

func cmdWrite(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("write", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl write <image> <path>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	fd, err := img.OpenFile(metadata.RootNode, relPath(fset.Arg(1)), runtime.Stat{}, runtime.Create|runtime.Truncate, nowNanos())
	if err != nil {
		return err
	}
	defer img.Close(fd)

	buf := make([]byte, 64*1024)
	for {
		n, rerr := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := img.Write(fd, buf[:n]); werr != nil {
				return werr
			}
			progress()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func cmdMkdir(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mkdir", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl mkdir <image> <path>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()
	_, err = img.Mkdir(metadata.RootNode, relPath(fset.Arg(1)), nowNanos())
	return err
}

func cmdRm(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("rm", flag.ExitOnError)
	recursive := fset.Bool("r", false, "remove directories recursively")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl rm [-r] <image> <path>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()
	path := relPath(fset.Arg(1))
	if *recursive {
		return img.RemoveRecursive(metadata.RootNode, path, nowNanos())
	}
	return img.RemoveFile(metadata.RootNode, path)
}

func cmdFsck(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fsck", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("usage: pagedfsctl fsck <image>")
	}
	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	var walk func(node uint64) error
	walk = func(node uint64) error {
		fd, err := img.OpenByNode(node, runtime.Stat{}, runtime.Directory)
		if err != nil {
			return err
		}
		entries, err := img.ReadDirByFd(fd)
		_ = img.Close(fd)
		if err != nil {
			return err
		}
		for _, e := range entries {
			progress()
			if _, err := img.Metadata(e.Node); err != nil {
				return xerrors.Errorf("node %d (%s): %w", e.Node, e.Name, err)
			}
			if e.Type == metadata.Directory {
				if err := walk(e.Node); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(metadata.RootNode); err != nil {
		return err
	}
	fmt.Println("\nok")
	return nil
}
