// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nix

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultStoreSegment is the top-level directory of the mount that
// holds store entries. A virtual path "store/<hash>/..." names an entry
// of the managed store.
const DefaultStoreSegment = "store"

// DefaultStoreDir is the well-known location of the Nix store. It is
// the prefix of every fully qualified store path handed to nix copy.
const DefaultStoreDir = "/nix/store"

// ContentHash identifies one store entry. It is the store entry name,
// the first path component after the store directory (for example
// "0c2g5kg4rv6yxyhkmpqm6h6ypm8vzhgs-hello-2.12.1"). Two hashes are the
// same entry exactly when their strings are equal.
type ContentHash string

func (h ContentHash) String() string { return string(h) }

// Kind tags a Classification.
type Kind int

const (
	// Passthrough paths are forwarded to the backing filesystem with no
	// fetch. Malformed and too-short paths classify as Passthrough.
	Passthrough Kind = iota

	// StoreReference paths name an entry inside the managed store.
	StoreReference
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case StoreReference:
		return "store-reference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classification is the result of classifying one virtual path. Hash
// and Remainder are only set for StoreReference.
type Classification struct {
	Kind Kind

	// Hash is the store entry the path refers to.
	Hash ContentHash

	// Remainder is the part of the path below the store entry,
	// slash-separated and without a leading slash. Empty when the path
	// names the entry itself.
	Remainder string
}

// IsStoreReference reports whether the classification names a store
// entry.
func (c Classification) IsStoreReference() bool {
	return c.Kind == StoreReference
}

// CleanVirtualPath normalizes a path as presented by the filesystem
// layer: "." and ".." are resolved lexically and leading and trailing
// slashes are stripped. The mount root is the empty string.
func CleanVirtualPath(virtual string) string {
	cleaned := path.Clean("/" + virtual)
	return strings.TrimPrefix(cleaned, "/")
}

// Classify classifies a virtual path using the default store segment.
// See ClassifyIn.
func Classify(virtual string) Classification {
	return ClassifyIn(DefaultStoreSegment, virtual)
}

// ClassifyIn classifies a virtual path. The path is a StoreReference
// only if its first component equals storeSegment and it has at least
// one more component naming the entry:
//
//	"/etc/passwd"           → Passthrough
//	"/store"                → Passthrough
//	"/store/abc123/bin/foo" → StoreReference{Hash: "abc123", Remainder: "bin/foo"}
//
// ClassifyIn is pure: it never touches the filesystem and never blocks.
func ClassifyIn(storeSegment, virtual string) Classification {
	cleaned := CleanVirtualPath(virtual)
	first, rest, found := strings.Cut(cleaned, "/")
	if !found || first != storeSegment || rest == "" {
		return Classification{Kind: Passthrough}
	}

	hash, remainder, _ := strings.Cut(rest, "/")
	return Classification{
		Kind:      StoreReference,
		Hash:      ContentHash(hash),
		Remainder: remainder,
	}
}

// Resolver classifies virtual paths against a concrete backing
// directory and derives the physical path an operation should use.
type Resolver struct {
	// BackingRoot is the directory the mount mirrors. Store entries
	// are materialized at BackingRoot/<StoreSegment>/<hash>.
	BackingRoot string

	// StoreSegment is the reserved top-level segment. Empty means
	// DefaultStoreSegment.
	StoreSegment string

	// BypassExisting short-circuits classification: a store reference
	// whose physical path already exists is reported as Passthrough,
	// so the coordinator is never consulted for it. Off by default,
	// which routes every store reference through the coordinator.
	BypassExisting bool
}

func (r *Resolver) segment() string {
	if r.StoreSegment == "" {
		return DefaultStoreSegment
	}
	return r.StoreSegment
}

// Classify classifies a virtual path, applying the BypassExisting
// check when enabled.
func (r *Resolver) Classify(virtual string) Classification {
	classification := ClassifyIn(r.segment(), virtual)
	if !classification.IsStoreReference() || !r.BypassExisting {
		return classification
	}
	if _, err := os.Lstat(r.PhysicalPath(virtual)); err == nil {
		return Classification{Kind: Passthrough}
	}
	return classification
}

// PhysicalPath maps a virtual path to its location under BackingRoot.
// The mapping is purely lexical, so the same virtual path always maps
// to the same physical path.
func (r *Resolver) PhysicalPath(virtual string) string {
	cleaned := CleanVirtualPath(virtual)
	if cleaned == "" {
		return r.BackingRoot
	}
	return filepath.Join(r.BackingRoot, filepath.FromSlash(cleaned))
}

// EntryPath returns the physical directory of a store entry.
func (r *Resolver) EntryPath(hash ContentHash) string {
	return filepath.Join(r.BackingRoot, r.segment(), string(hash))
}

// StorePath returns the fully qualified store path of a hash, e.g.
// "/nix/store/<hash>". An empty storeDir means DefaultStoreDir.
func StorePath(storeDir string, hash ContentHash) string {
	if storeDir == "" {
		storeDir = DefaultStoreDir
	}
	return path.Join(storeDir, string(hash))
}

// ErrNotStorePath is returned by ParseStorePath for paths outside the
// Nix store.
var ErrNotStorePath = errors.New("not a store path")

// ParseStorePath extracts the store entry of a path inside the Nix
// store:
//
//	"/nix/store/abc-hello/bin/hello" → "abc-hello"
//	"/nix/store/abc-hello"           → "abc-hello"
//
// A bare entry name without slashes is accepted as-is so that callers
// can pass either form. Paths that are exactly the store directory or
// lie outside it are rejected.
func ParseStorePath(storePath string) (ContentHash, error) {
	if storePath == "" {
		return "", fmt.Errorf("empty path: %w", ErrNotStorePath)
	}
	if !strings.Contains(storePath, "/") {
		return ContentHash(storePath), nil
	}

	prefix := DefaultStoreDir + "/"
	if !strings.HasPrefix(storePath, prefix) {
		return "", fmt.Errorf("path %q is not under %s: %w", storePath, prefix, ErrNotStorePath)
	}

	remainder := storePath[len(prefix):]
	entry, _, _ := strings.Cut(remainder, "/")
	if entry == "" {
		return "", fmt.Errorf("path %q has no store entry name: %w", storePath, ErrNotStorePath)
	}
	return ContentHash(entry), nil
}
