// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// SetupFailureExitCode is the exit status an isolated command reports
// when the bind mount could not be established. It matches the
// convention of env(1) and chroot(1) for "the wrapper itself failed".
const SetupFailureExitCode = 125

// Binding is the bind mount established inside the namespace: Source
// appears at Target.
type Binding struct {
	Source string
	Target string
}

// Validate checks that both paths are absolute.
func (b Binding) Validate() error {
	if b.Source == "" || !filepath.IsAbs(b.Source) {
		return fmt.Errorf("bind source must be an absolute path, got %q", b.Source)
	}
	if b.Target == "" || !filepath.IsAbs(b.Target) {
		return fmt.Errorf("bind target must be an absolute path, got %q", b.Target)
	}
	return nil
}

// Failure describes how an isolated command ended unsuccessfully.
// StartErr is set when the process could not be started at all;
// otherwise ExitCode and Stderr describe the finished process.
type Failure struct {
	StartErr error
	ExitCode int
	Stderr   []byte
}

// Isolator builds commands that run inside the isolation boundary.
type Isolator interface {
	// Name identifies the isolator in logs and configuration.
	Name() string

	// Command returns an unstarted command that runs argv with env
	// inside the boundary. The command is bound to ctx the way
	// exec.CommandContext is.
	Command(ctx context.Context, argv []string, env []string) (*exec.Cmd, error)

	// SetupFailed reports whether failure happened while establishing
	// the boundary rather than in argv itself.
	SetupFailed(failure Failure) bool
}

// Kind names of the isolators, as used in configuration.
const (
	KindNamespace = "namespace"
	KindUnshare   = "unshare"
	KindBwrap     = "bwrap"
	KindNone      = "none"
)

// Options selects and configures an isolator.
type Options struct {
	// Kind is one of the Kind constants. Empty means KindNamespace.
	Kind string

	// Binding is the bind mount to establish. Ignored by KindNone.
	Binding Binding

	// Executable is the binary KindNamespace re-executes. Empty means
	// /proc/self/exe.
	Executable string

	// UnshareBinary and BwrapBinary override the lookup of the
	// external tools.
	UnshareBinary string
	BwrapBinary   string
}

// New returns the isolator described by options.
func New(options Options) (Isolator, error) {
	kind := options.Kind
	if kind == "" {
		kind = KindNamespace
	}
	if kind != KindNone {
		if err := options.Binding.Validate(); err != nil {
			return nil, fmt.Errorf("%s isolator: %w", kind, err)
		}
	}

	switch kind {
	case KindNamespace:
		return &Namespace{Binding: options.Binding, Executable: options.Executable}, nil
	case KindUnshare:
		binary := options.UnshareBinary
		if binary == "" {
			found, err := exec.LookPath("unshare")
			if err != nil {
				return nil, fmt.Errorf("unshare isolator: %w", err)
			}
			binary = found
		}
		return &Unshare{Binding: options.Binding, Binary: binary}, nil
	case KindBwrap:
		binary := options.BwrapBinary
		if binary == "" {
			found, err := BwrapPath()
			if err != nil {
				return nil, fmt.Errorf("bwrap isolator: %w", err)
			}
			binary = found
		}
		return &Bwrap{Binding: options.Binding, Binary: binary}, nil
	case KindNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown isolation kind %q (want %s, %s, %s, or %s)",
			kind, KindNamespace, KindUnshare, KindBwrap, KindNone)
	}
}

func requireCommand(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}
