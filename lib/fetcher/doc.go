// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetcher materializes store entries by running nix copy
// inside an isolation boundary.
//
// [CopyFetcher] implements materialize.Fetcher. For each hash it
// builds the nix copy invocation (see nix.CopyRequest), wraps it with
// the configured isolation.Isolator so that the store location is
// backed by the backing directory, runs it, and maps the result onto
// the materialize failure kinds: a process that could not be started
// is a launch failure, a boundary that could not be established is an
// isolation failure, and anything else non-zero is an execution
// failure carrying the tail of the copy tool's stderr.
package fetcher
