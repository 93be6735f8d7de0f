// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nix

import "fmt"

// IgnoreSymlinkStoreVariable disables nix's refusal to operate on a
// store whose path contains a symlink. The local store root reaches
// itself through the <root>/nix symlink, so every copy must set it.
const IgnoreSymlinkStoreVariable = "NIX_IGNORE_SYMLINK_STORE"

// CopyRequest describes one "nix copy" invocation that materializes a
// single store entry from a binary cache into a local store root.
type CopyRequest struct {
	// Binary is the path to the nix executable.
	Binary string

	// Destination is the local store root passed to --to.
	Destination string

	// Source is the binary cache URL passed to --from.
	Source string

	// StoreDir is the store directory used to qualify the hash. Empty
	// means DefaultStoreDir.
	StoreDir string

	// Hash is the store entry to copy.
	Hash ContentHash

	// ExtraArgs are appended verbatim after the built-in arguments.
	ExtraArgs []string
}

// Argv returns the full command line, binary first.
func (r CopyRequest) Argv() ([]string, error) {
	if r.Binary == "" {
		return nil, fmt.Errorf("nix binary is required")
	}
	if r.Destination == "" {
		return nil, fmt.Errorf("copy destination is required")
	}
	if r.Source == "" {
		return nil, fmt.Errorf("copy source is required")
	}
	if r.Hash == "" {
		return nil, fmt.Errorf("store hash is required")
	}

	argv := []string{
		r.Binary,
		"copy",
		"--to", r.Destination,
		"--from", r.Source,
		StorePath(r.StoreDir, r.Hash),
		"--extra-experimental-features", "nix-command",
	}
	return append(argv, r.ExtraArgs...), nil
}

// Environment returns the variables every copy runs with.
func (r CopyRequest) Environment() []string {
	return []string{IgnoreSymlinkStoreVariable + "=1"}
}
