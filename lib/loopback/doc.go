// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package loopback mounts a FUSE passthrough of a backing directory in
// which store entries appear on first access.
//
// Each node embeds go-fuse's LoopbackNode, which does the actual work
// of mirroring the backing directory. Before any operation that names
// a path, the node asks its [Materializer] for the physical path; for
// paths under the store segment this blocks until the entry has been
// fetched. Everything else reaches the backing directory unchanged.
//
// Errors from the materializer become errno values with [Errno]:
// EPERM when the isolation boundary could not be set up, EINTR when the
// caller gave up, EREMOTEIO for a strict-mode fetch failure, EIO
// otherwise. In lenient mode a failed fetch returns no error, and the
// operation fails with whatever the backing directory reports (usually
// ENOENT).
package loopback
