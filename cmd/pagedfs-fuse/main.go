// Command pagedfs-fuse mounts a pagedfs image at a host mountpoint
// using fuseadapter, the way cmd/distri's "fuse" subcommand mounts a
// package repository: parse flags, open backing storage, mount, and
// block until interrupted or unmounted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/xerrors"

	"github.com/pagedfs/pagedfs/fuseadapter"
	"github.com/pagedfs/pagedfs/internal/image"
)

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
	var (
		imagePath  = flag.String("image", "", "path to the pagedfs image file (created if missing)")
		mountpoint = flag.String("mountpoint", "", "host directory to mount the filesystem at")
	)
	flag.Parse()
	if *imagePath == "" || *mountpoint == "" {
		flag.Usage()
		return xerrors.New("both -image and -mountpoint are required")
	}

	img, err := image.Open(*imagePath)
	if err != nil {
		return xerrors.Errorf("opening image: %w", err)
	}
	defer img.Close()

	ctx, cancel := interruptibleContext()
	defer cancel()

	join, err := fuseadapter.Mount(ctx, img.Filesystem, *mountpoint)
	if err != nil {
		return xerrors.Errorf("mounting at %s: %w", *mountpoint, err)
	}
	return join(ctx)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
