// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// BackingRoot is the directory the mount mirrors.
	BackingRoot string

	// Materializer is consulted before every path operation.
	Materializer Materializer

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// EntryTimeout, AttrTimeout and NegativeTimeout are handed to the
	// kernel as-is. A zero NegativeTimeout keeps the kernel from
	// caching ENOENT for store entries that have not been fetched yet.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration

	// Debug logs every FUSE request to stderr.
	Debug bool

	// FsName is the filesystem name shown in /proc/mounts. Empty
	// means "nixfs".
	FsName string

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// NewRoot returns the root node of a loopback of backingRoot whose
// nodes consult materializer. Mount uses it; tests that drive the node
// tree directly can too.
func NewRoot(backingRoot string, materializer Materializer, logger *slog.Logger) (gofuse.InodeEmbedder, error) {
	if materializer == nil {
		return nil, fmt.Errorf("materializer is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	var st syscall.Stat_t
	if err := syscall.Stat(backingRoot, &st); err != nil {
		return nil, fmt.Errorf("stat backing root %s: %w", backingRoot, err)
	}

	rootData := &gofuse.LoopbackRoot{
		Path: backingRoot,
		Dev:  uint64(st.Dev),
	}
	rootData.NewNode = func(rootData *gofuse.LoopbackRoot, _ *gofuse.Inode, _ string, _ *syscall.Stat_t) gofuse.InodeEmbedder {
		return &storeNode{
			LoopbackNode: gofuse.LoopbackNode{RootData: rootData},
			materializer: materializer,
			logger:       logger,
		}
	}

	root := &storeNode{
		LoopbackNode: gofuse.LoopbackNode{RootData: rootData},
		materializer: materializer,
		logger:       logger,
	}
	rootData.RootNode = root
	return root, nil
}

// Mount mounts the loopback at the configured mountpoint. The caller
// must call Unmount on the returned Server when done. The mountpoint
// directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.BackingRoot == "" {
		return nil, fmt.Errorf("backing root is required")
	}
	if options.FsName == "" {
		options.FsName = "nixfs"
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root, err := NewRoot(options.BackingRoot, options.Materializer, options.Logger)
	if err != nil {
		return nil, err
	}

	entryTimeout := options.EntryTimeout
	attrTimeout := options.AttrTimeout
	negativeTimeout := options.NegativeTimeout

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "nixfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("store FUSE filesystem mounted",
		"mountpoint", options.Mountpoint,
		"backing_root", options.BackingRoot,
	)
	return server, nil
}
