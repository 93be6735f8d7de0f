// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nixfs mounts a FUSE passthrough of a backing directory in which Nix
// store entries are fetched from a binary cache the first time
// anything touches them.
//
// Usage:
//
//	nixfs mount [flags]
//	nixfs status [flags]
//	nixfs version
//
// The mount subcommand prepares the backing layout, replays the fetch
// journal, mounts the filesystem, and serves it until SIGINT or
// SIGTERM. Each fetch runs "nix copy" inside a private mount namespace
// in which the backing directory is bound over /nix, so the copy lands
// in the backing store rather than the host's.
//
// The status subcommand reads the heartbeat the running mount writes
// and the fetch journal, and prints a summary.
//
// A third, hidden subcommand (isolate-exec) is the child half of the
// default namespace isolation: the mount re-executes its own binary
// with it inside a fresh mount namespace.
package main
