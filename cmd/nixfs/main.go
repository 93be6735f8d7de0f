// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/nixfs/lib/isolation"
	"github.com/bureau-foundation/nixfs/lib/process"
	"github.com/bureau-foundation/nixfs/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// run dispatches a subcommand. The isolate-exec helper is checked
// first: it runs inside the fetch namespace and must not touch
// configuration or logging.
func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("no command given")
	}

	command, rest := args[0], args[1:]
	switch command {
	case isolation.Subcommand:
		return isolateCmd(rest)
	case "mount":
		return mountCmd(rest)
	case "status":
		return statusCmd(rest, stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "nixfs %s\n", version.Full())
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `nixfs - lazily materialized Nix store over FUSE

USAGE
    nixfs <command> [flags]

COMMANDS
    mount      Mount the filesystem and serve it until interrupted
    status     Show the state of a running mount and the fetch journal
    version    Show version

EXAMPLES
    # Mount with the default layout (/true_nix mirrored at /root/nix)
    nixfs mount

    # Mount a scratch layout, fetching from a private cache
    nixfs mount --root /srv/nix --mountpoint /mnt/nix --source https://cache.example.org

    # Inspect the running mount
    nixfs status

ENVIRONMENT
    NIXFS_CONFIG    Path to a YAML configuration file
    NIXFS_DEBUG     Enable debug logging
`)
}
