// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the nixfs binary's exit paths: reporting an
// error to stderr before (or after) the structured logger exists, and
// leaving with a specific exit status.
//
// The isolated exec helper uses [ExitError] to tell its parent whether
// the isolation boundary failed (status 125) or the wrapped command
// could not be run (status 127), the same convention env(1) and
// unshare(1) follow.
package process
