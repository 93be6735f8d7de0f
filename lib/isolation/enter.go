// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// SetupError is returned by Enter when the mount namespace could not
// be prepared. Callers exit with SetupFailureExitCode on it.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("isolation setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Enter is the child half of [Namespace]. It must run in a process
// that already has a private mount namespace. It makes every mount
// private so nothing propagates back to the parent namespace, binds
// binding.Source over binding.Target, and replaces the process with
// argv. It only returns on failure.
func Enter(binding Binding, argv []string) error {
	if err := binding.Validate(); err != nil {
		return &SetupError{Op: "validate", Err: err}
	}
	if err := requireCommand(argv); err != nil {
		return err
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &SetupError{Op: "making mounts private", Err: err}
	}
	if err := unix.Mount(binding.Source, binding.Target, "", unix.MS_BIND, ""); err != nil {
		return &SetupError{
			Op:  fmt.Sprintf("binding %s at %s", binding.Source, binding.Target),
			Err: err,
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", argv[0], err)
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
