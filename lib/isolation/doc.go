// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package isolation runs a command inside a private mount namespace in
// which one directory is bind-mounted over another.
//
// The store copy tool writes into the well-known store location. To
// make it write into the backing directory instead, every fetch runs
// with the backing directory bound at that location, visible only to
// the fetch process and its children. The rest of the system keeps
// seeing the real mount table.
//
// Four [Isolator] implementations exist:
//
//   - [Namespace] re-executes the current binary with CLONE_NEWNS and
//     performs the bind mount in Go (see [Enter]). No external tools
//     are needed, only CAP_SYS_ADMIN.
//   - [Unshare] shells out to util-linux unshare and mount.
//   - [Bwrap] uses bubblewrap, which also works unprivileged where user
//     namespaces are enabled.
//   - [None] runs the command directly. Only useful when the backing
//     directory already is the store location, and in tests.
//
// Each isolator reports whether a failed run failed while establishing
// the boundary (see [Isolator.SetupFailed]) so that callers can tell a
// privilege problem apart from a failing copy tool.
package isolation
