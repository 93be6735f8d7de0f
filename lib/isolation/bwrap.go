// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Bwrap runs argv under bubblewrap with the host filesystem bound at /
// and the binding layered on top.
type Bwrap struct {
	Binding Binding
	Binary  string
}

var _ Isolator = (*Bwrap)(nil)

func (b *Bwrap) Name() string { return KindBwrap }

// Args returns the full argument vector, starting with the bwrap
// binary.
func (b *Bwrap) Args(argv []string) []string {
	args := []string{
		b.Binary,
		"--dev-bind", "/", "/",
		"--bind", b.Binding.Source, b.Binding.Target,
		"--die-with-parent",
		"--",
	}
	return append(args, argv...)
}

func (b *Bwrap) Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error) {
	if err := requireCommand(argv); err != nil {
		return nil, err
	}
	args := b.Args(argv)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	return cmd, nil
}

// SetupFailed reports bwrap's own diagnostics, which are prefixed with
// "bwrap:". The wrapped command's failures never carry that prefix.
func (b *Bwrap) SetupFailed(failure Failure) bool {
	if failure.StartErr != nil {
		return false
	}
	return hasLinePrefix(failure.Stderr, "bwrap:")
}

// BwrapPath returns the path to the bwrap executable.
func BwrapPath() (string, error) {
	paths := []string{
		"/usr/bin/bwrap",
		"/usr/local/bin/bwrap",
		"/bin/bwrap",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if path, err := exec.LookPath("bwrap"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("bwrap not found in standard locations or PATH")
}
