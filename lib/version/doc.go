// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the nixfs
// binary.
//
// [GitCommit], [GitDirty] and [BuildTime] are injected at build time
// via -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/nixfs/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// When they are not injected, the VCS stamp the Go toolchain embeds in
// the binary is used instead, if there is one.
package version
