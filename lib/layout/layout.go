// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout prepares the directories a mount depends on.
//
// nix copy --to <root> treats <root> as a chroot store: it writes
// entries to <root>/nix/store/<hash>. The mount exposes them at
// <root>/store/<hash>. A symlink <root>/nix pointing at <root> itself
// makes both names refer to the same directory, and
// NIX_IGNORE_SYMLINK_STORE tells nix to accept the symlinked store.
package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio"
)

// Layout names the paths Prepare creates.
type Layout struct {
	// BackingRoot is the directory the mount mirrors.
	BackingRoot string

	// Mountpoint is where the filesystem will be mounted.
	Mountpoint string

	// StoreSegment is the directory under BackingRoot holding store
	// entries.
	StoreSegment string

	// StoreDir is the store prefix nix writes under, normally
	// /nix/store. Its parent, relative to BackingRoot, becomes the
	// symlink back to BackingRoot.
	StoreDir string

	// BindTarget is where the isolation boundary binds BackingRoot.
	// It must exist as a directory for the bind to succeed. Empty
	// skips it.
	BindTarget string
}

// Report describes what Prepare changed.
type Report struct {
	// BackingRoot is the resolved (symlink-free) backing root.
	BackingRoot string

	// Created lists the directories that did not exist before.
	Created []string

	// Symlink is the store symlink path, and SymlinkCreated reports
	// whether Prepare created it.
	Symlink        string
	SymlinkCreated bool
}

// Prepare creates the mount point, the bind target, the store
// directory, and the store symlink. It is idempotent: existing
// directories and an existing symlink are left alone.
func Prepare(layout Layout, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if !filepath.IsAbs(layout.BackingRoot) {
		return Report{}, fmt.Errorf("backing root must be an absolute path, got %q", layout.BackingRoot)
	}
	if layout.StoreSegment == "" {
		layout.StoreSegment = "store"
	}
	if layout.StoreDir == "" {
		layout.StoreDir = "/nix/store"
	}

	var report Report
	directories := []string{
		layout.Mountpoint,
		layout.BindTarget,
		filepath.Join(layout.BackingRoot, layout.StoreSegment),
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		created, err := ensureDirectory(directory)
		if err != nil {
			return report, err
		}
		if created {
			report.Created = append(report.Created, directory)
			logger.Info("created directory", "path", directory)
		}
	}

	resolved, err := filepath.EvalSymlinks(layout.BackingRoot)
	if err != nil {
		return report, fmt.Errorf("resolving backing root: %w", err)
	}
	report.BackingRoot = resolved

	storeParent := path.Dir(path.Clean(layout.StoreDir))
	if storeParent == "/" {
		return report, nil
	}
	report.Symlink = filepath.Join(resolved, filepath.FromSlash(storeParent))
	report.SymlinkCreated, err = ensureSymlink(report.Symlink, resolved, logger)
	if err != nil {
		return report, err
	}
	return report, nil
}

func ensureDirectory(directory string) (bool, error) {
	info, err := os.Stat(directory)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", directory)
		}
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking %s: %w", directory, err)
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return false, fmt.Errorf("creating %s: %w", directory, err)
	}
	return true, nil
}

// ensureSymlink creates link pointing at target unless something
// already exists at link. A symlink pointing elsewhere is kept but
// logged.
func ensureSymlink(link, target string, logger *slog.Logger) (bool, error) {
	info, err := os.Lstat(link)
	if err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			logger.Warn("store link path exists and is not a symlink; leaving it alone", "path", link)
			return false, nil
		}
		existing, err := os.Readlink(link)
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", link, err)
		}
		if existing != target {
			logger.Warn("store symlink points elsewhere; leaving it alone",
				"path", link,
				"target", existing,
				"expected", target,
			)
		}
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking %s: %w", link, err)
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return false, fmt.Errorf("creating parent of %s: %w", link, err)
	}
	if err := renameio.Symlink(target, link); err != nil {
		return false, fmt.Errorf("creating store symlink %s: %w", link, err)
	}
	logger.Info("created store symlink", "path", link, "target", target)
	return true, nil
}
