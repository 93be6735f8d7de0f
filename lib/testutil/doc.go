// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for nixfs packages.
//
// [RequireReceive], [RequireClosed] and [RequireOpen] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that concurrency tests never hang and never call time.After
// directly. RequireOpen is the negative form: it asserts that a
// completion channel stays open, which is how the coordinator tests
// observe that a caller is really suspended.
//
// [Executable] writes a shell script into a test temporary directory
// and marks it executable. Tests use it to stand in for nix, unshare
// and bwrap without needing those tools installed.
//
// [UniqueID] generates monotonically increasing identifiers, used to
// give each test its own store hashes.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no nixfs-internal dependencies.
package testutil
