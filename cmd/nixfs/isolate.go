// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nixfs/lib/isolation"
	"github.com/bureau-foundation/nixfs/lib/process"
)

// commandNotRunnable is the exit status when the wrapped command could
// not be executed, matching env(1).
const commandNotRunnable = 127

// isolateCmd binds the backing directory over the bind target inside
// the current (already private) mount namespace and execs the wrapped
// command. Setup failures exit with isolation.SetupFailureExitCode so
// the parent can tell them apart from a failing copy.
func isolateCmd(args []string) error {
	binding, argv, err := parseIsolateArgs(args)
	if err != nil {
		return process.WithCode(isolation.SetupFailureExitCode, err)
	}

	err = isolation.Enter(binding, argv)
	var setupErr *isolation.SetupError
	if errors.As(err, &setupErr) {
		return process.WithCode(isolation.SetupFailureExitCode, err)
	}
	return process.WithCode(commandNotRunnable, err)
}

// parseIsolateArgs is the inverse of isolation.Namespace.Args, minus
// the executable and subcommand.
func parseIsolateArgs(args []string) (isolation.Binding, []string, error) {
	var binding isolation.Binding
	flagSet := pflag.NewFlagSet(isolation.Subcommand, pflag.ContinueOnError)
	flagSet.StringVar(&binding.Source, "bind-source", "", "directory to bind")
	flagSet.StringVar(&binding.Target, "bind-target", "", "where to bind it")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		return binding, nil, err
	}
	argv := flagSet.Args()
	if len(argv) == 0 {
		return binding, nil, fmt.Errorf("%s: no command given", isolation.Subcommand)
	}
	return binding, argv, nil
}
