package main

import (
	"archive/tar"
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/pagedfs/pagedfs/internal/image"
	"github.com/pagedfs/pagedfs/runtime"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

// cmdExport walks the whole tree and writes it as a gzip-compressed
// tar snapshot, a supplemental feature extending store_memory_file's
// round-tripping idea to a portable archive format. The archive is
// written to a temp file and atomically renamed into place so a crash
// mid-export never corrupts a previous good snapshot.
func cmdExport(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl export <image> <snapshot.tar.gz>")
	}

	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	out, err := renameio.TempFile("", fset.Arg(1))
	if err != nil {
		return err
	}
	defer out.Cleanup()

	gz := pgzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	if err := exportDir(img, metadata.RootNode, "", tw); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

func exportDir(img *image.Image, node uint64, path string, tw *tar.Writer) error {
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
		childPath := path + "/" + e.Name
		meta, err := img.Metadata(e.Node)
		if err != nil {
			return err
		}
		switch e.Type {
		case metadata.Directory:
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     childPath[1:] + "/",
				Mode:     0755,
				ModTime:  unixTime(meta.Times.Modified),
			}); err != nil {
				return err
			}
			if err := exportDir(img, e.Node, childPath, tw); err != nil {
				return err
			}
		case metadata.SymbolicLink:
			target, err := img.ReadLink(metadata.RootNode, childPath[1:])
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     childPath[1:],
				Linkname: target,
				ModTime:  unixTime(meta.Times.Modified),
			}); err != nil {
				return err
			}
		default:
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     childPath[1:],
				Size:     int64(meta.Size),
				Mode:     0644,
				ModTime:  unixTime(meta.Times.Modified),
			}); err != nil {
				return err
			}
			fd, err := img.OpenFile(metadata.RootNode, childPath[1:], runtime.Stat{}, 0, 0)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, &fdReader{img: img, fd: fd})
			_ = img.Close(fd)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// fdReader adapts an open runtime.Fd to io.Reader for archive/tar.
type fdReader struct {
	img *image.Image
	fd  runtime.Fd
}

func (r *fdReader) Read(p []byte) (int, error) {
	n, err := r.img.Read(r.fd, p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// cmdImport recreates every entry from a snapshot produced by
// cmdExport into image, in tar order (directories before the files and
// symlinks they contain, as cmdExport wrote them).
func cmdImport(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("import", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.New("usage: pagedfsctl import <image> <snapshot.tar.gz>")
	}

	img, err := image.Open(fset.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	in, err := os.Open(fset.Arg(1))
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := pgzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		progress()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, err := img.Mkdir(metadata.RootNode, trimSlash(hdr.Name), nowNanos()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if _, err := img.CreateSymlink(metadata.RootNode, hdr.Name, hdr.Linkname, nowNanos()); err != nil {
				return err
			}
		case tar.TypeReg:
			fd, err := img.OpenFile(metadata.RootNode, hdr.Name, runtime.Stat{}, runtime.Create|runtime.Truncate, nowNanos())
			if err != nil {
				return err
			}
			buf := make([]byte, 64*1024)
			for {
				n, rerr := tr.Read(buf)
				if n > 0 {
					if _, werr := img.Write(fd, buf[:n]); werr != nil {
						_ = img.Close(fd)
						return werr
					}
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					_ = img.Close(fd)
					return rerr
				}
			}
			if err := img.Close(fd); err != nil {
				return err
			}
		}
	}
}

func unixTime(nanos uint64) time.Time {
	return time.Unix(0, int64(nanos))
}

func trimSlash(name string) string {
	if len(name) > 0 && name[len(name)-1] == '/' {
		return name[:len(name)-1]
	}
	return name
}
