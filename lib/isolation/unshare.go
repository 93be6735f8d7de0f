// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"bytes"
	"context"
	"os/exec"
)

// unshareScript binds $1 at $2 and execs the remaining arguments. A
// failed mount exits with SetupFailureExitCode.
const unshareScript = `mount -n --bind "$1" "$2" || exit 125; shift 2; exec "$@"`

// Unshare runs argv under util-linux unshare(1) with a new mount
// namespace, using mount(8) for the bind.
type Unshare struct {
	Binding Binding
	Binary  string
}

var _ Isolator = (*Unshare)(nil)

func (u *Unshare) Name() string { return KindUnshare }

// Args returns the full argument vector, starting with the unshare
// binary.
func (u *Unshare) Args(argv []string) []string {
	args := []string{
		u.Binary, "--mount", "--propagation", "private",
		"sh", "-c", unshareScript, "nixfs-isolate",
		u.Binding.Source, u.Binding.Target,
	}
	return append(args, argv...)
}

func (u *Unshare) Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error) {
	if err := requireCommand(argv); err != nil {
		return nil, err
	}
	args := u.Args(argv)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	return cmd, nil
}

// SetupFailed reports unshare itself complaining (it prefixes its
// diagnostics with "unshare:") or the mount step exiting with
// SetupFailureExitCode.
func (u *Unshare) SetupFailed(failure Failure) bool {
	if failure.StartErr != nil {
		return false
	}
	if failure.ExitCode == SetupFailureExitCode {
		return true
	}
	return hasLinePrefix(failure.Stderr, "unshare:")
}

// hasLinePrefix reports whether any line of output starts with prefix.
func hasLinePrefix(output []byte, prefix string) bool {
	for line := range bytes.Lines(output) {
		if bytes.HasPrefix(line, []byte(prefix)) {
			return true
		}
	}
	return false
}
