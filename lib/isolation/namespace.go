// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Subcommand is the hidden subcommand the re-executed binary must
// dispatch to [Enter]. The nixfs binary registers it; any other binary
// used as Namespace.Executable has to do the same.
const Subcommand = "isolate-exec"

// Namespace re-executes Executable in a new mount namespace. The child
// performs the bind mount itself and then execs argv, so the copy tool
// ends up with the same PID and the namespace dies with it.
type Namespace struct {
	Binding    Binding
	Executable string
}

var _ Isolator = (*Namespace)(nil)

func (n *Namespace) Name() string { return KindNamespace }

func (n *Namespace) executable() string {
	if n.Executable == "" {
		return "/proc/self/exe"
	}
	return n.Executable
}

// Args returns the argument vector of the re-executed child.
func (n *Namespace) Args(argv []string) []string {
	args := []string{
		n.executable(), Subcommand,
		"--bind-source", n.Binding.Source,
		"--bind-target", n.Binding.Target,
		"--",
	}
	return append(args, argv...)
}

func (n *Namespace) Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error) {
	if err := requireCommand(argv); err != nil {
		return nil, err
	}
	args := n.Args(argv)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Unshareflags: syscall.CLONE_NEWNS,
		Pdeathsig:    syscall.SIGKILL,
	}
	return cmd, nil
}

// SetupFailed reports unshare(2) being refused at start, or the child
// exiting with SetupFailureExitCode after a failed mount.
func (n *Namespace) SetupFailed(failure Failure) bool {
	if failure.StartErr != nil {
		return errors.Is(failure.StartErr, syscall.EPERM) || errors.Is(failure.StartErr, syscall.EINVAL)
	}
	return failure.ExitCode == SetupFailureExitCode
}
