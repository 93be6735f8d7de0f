// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"syscall"

	"github.com/bureau-foundation/nixfs/lib/materialize"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Materializer maps a virtual path (relative to the mount root) to the
// path under the backing directory an operation should use, fetching
// the store entry it names first if necessary.
// *materialize.Coordinator implements it.
type Materializer interface {
	PhysicalPath(ctx context.Context, virtual string) (string, error)
}

var _ Materializer = (*materialize.Coordinator)(nil)

// Errno maps a materializer error to the errno the kernel sees. A
// FetchError is the fetch's own verdict and wins over any context
// error it wraps; EINTR is reserved for a caller whose own context
// ended while waiting.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fetchErr *materialize.FetchError
	switch {
	case errors.Is(err, materialize.ErrIsolationSetup):
		return syscall.EPERM
	case errors.As(err, &fetchErr):
		return syscall.EREMOTEIO
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// storeNode is a loopback node that materializes store entries before
// delegating to the embedded LoopbackNode.
type storeNode struct {
	gofuse.LoopbackNode

	materializer Materializer
	logger       *slog.Logger
}

var _ gofuse.InodeEmbedder = (*storeNode)(nil)
var _ gofuse.NodeLookuper = (*storeNode)(nil)
var _ gofuse.NodeGetattrer = (*storeNode)(nil)
var _ gofuse.NodeOpener = (*storeNode)(nil)
var _ gofuse.NodeReadlinker = (*storeNode)(nil)
var _ gofuse.NodeCreater = (*storeNode)(nil)
var _ gofuse.NodeMkdirer = (*storeNode)(nil)
var _ gofuse.NodeMknoder = (*storeNode)(nil)
var _ gofuse.NodeSymlinker = (*storeNode)(nil)
var _ gofuse.NodeLinker = (*storeNode)(nil)
var _ gofuse.NodeUnlinker = (*storeNode)(nil)
var _ gofuse.NodeRmdirer = (*storeNode)(nil)
var _ gofuse.NodeRenamer = (*storeNode)(nil)

// virtualPath returns the mount-relative path of name inside this
// node, or of the node itself when name is empty.
func (n *storeNode) virtualPath(name string) string {
	return filepath.Join(n.Path(n.Root()), name)
}

// materialize resolves the virtual path of name and reports the errno
// the operation should fail with, or 0 to proceed.
func (n *storeNode) materialize(ctx context.Context, name string) syscall.Errno {
	virtual := n.virtualPath(name)
	if _, err := n.materializer.PhysicalPath(ctx, virtual); err != nil {
		errno := Errno(err)
		n.logger.Warn("materializing path failed",
			"path", virtual,
			"errno", errno,
			"error", err,
		)
		return errno
	}
	return 0
}

func (n *storeNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Lookup(ctx, name, out)
}

func (n *storeNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := n.materialize(ctx, ""); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Getattr(ctx, f, out)
}

func (n *storeNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if errno := n.materialize(ctx, ""); errno != 0 {
		return nil, 0, errno
	}
	return n.LoopbackNode.Open(ctx, flags)
}

func (n *storeNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if errno := n.materialize(ctx, ""); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Readlink(ctx)
}

func (n *storeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, nil, 0, errno
	}
	return n.LoopbackNode.Create(ctx, name, flags, mode, out)
}

func (n *storeNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Mkdir(ctx, name, mode, out)
}

func (n *storeNode) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Mknod(ctx, name, mode, rdev, out)
}

func (n *storeNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Symlink(ctx, target, name, out)
}

func (n *storeNode) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if errno := n.materialize(ctx, name); errno != 0 {
		return nil, errno
	}
	return n.LoopbackNode.Link(ctx, target, name, out)
}

func (n *storeNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if errno := n.materialize(ctx, name); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Unlink(ctx, name)
}

func (n *storeNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if errno := n.materialize(ctx, name); errno != 0 {
		return errno
	}
	return n.LoopbackNode.Rmdir(ctx, name)
}

// Rename materializes both the source and the destination.
func (n *storeNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if errno := n.materialize(ctx, name); errno != 0 {
		return errno
	}
	destination := filepath.Join(newParent.EmbeddedInode().Path(n.Root()), newName)
	if _, err := n.materializer.PhysicalPath(ctx, destination); err != nil {
		n.logger.Warn("materializing rename destination failed",
			"path", destination,
			"error", err,
		)
		return Errno(err)
	}
	return n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
}
