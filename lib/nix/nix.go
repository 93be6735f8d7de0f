// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nix holds everything nixfs knows about the Nix store and the
// Nix CLI: where the nix binary lives, how a virtual path inside the
// mount is classified as a store reference, and how the "nix copy"
// invocation that materializes one store entry is assembled.
//
// Binary resolution follows the Determinate Nix installation pattern:
// an explicitly configured path wins, then PATH (works inside nix
// develop and on NixOS), then /nix/var/nix/profiles/default/bin/.
package nix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// determinateProfileBin is where Determinate Nix installs its binaries.
// This location is outside PATH by default, so we check it explicitly
// after the PATH lookup fails.
const determinateProfileBin = "/nix/var/nix/profiles/default/bin"

// FindBinary resolves a Nix binary by name (e.g., "nix"), checking PATH
// first and then the standard Determinate Nix installation directory.
// Returns the absolute path to the binary.
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	determinatePath := filepath.Join(determinateProfileBin, name)
	if _, err := os.Stat(determinatePath); err == nil {
		return determinatePath, nil
	}

	return "", fmt.Errorf("%s not found on PATH or at %s", name, determinatePath)
}

// ResolveBinary returns configured when it names an existing file, and
// otherwise falls back to FindBinary. The legacy default of /bin/nix
// does not exist on most installations, so a missing configured path
// is not an error as long as nix can be found elsewhere.
func ResolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
	}
	path, err := FindBinary("nix")
	if err != nil {
		if configured != "" {
			return "", fmt.Errorf("configured nix binary %s does not exist and %w", configured, err)
		}
		return "", err
	}
	return path, nil
}

// Version runs "<binary> --version" and returns the trimmed output,
// e.g. "nix (Nix) 2.24.9".
func Version(ctx context.Context, binaryPath string) (string, error) {
	output, err := run(ctx, binaryPath, []string{"--version"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// run executes binaryPath with the given arguments and returns stdout.
// Stderr is captured separately and included in error messages.
func run(ctx context.Context, binaryPath string, args []string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binaryPath, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", FormatError(filepath.Base(binaryPath), args, stderr.Bytes(), err)
	}
	return stdout.String(), nil
}

// FormatError produces an error message for a failed nix command,
// preferring stderr output (which contains the actual nix error) over
// the generic exec error. Only the last line of a multi-line stderr is
// kept when it exceeds maxStderrLines, since nix prints progress noise
// before the final "error:" line.
func FormatError(binaryName string, args []string, stderr []byte, err error) error {
	commandString := strings.TrimSpace(binaryName + " " + strings.Join(args, " "))
	stderrText := lastLines(strings.TrimSpace(string(stderr)), maxStderrLines)
	if stderrText != "" {
		if err != nil {
			return fmt.Errorf("%s: %s: %w", commandString, stderrText, err)
		}
		return fmt.Errorf("%s: %s", commandString, stderrText)
	}
	return fmt.Errorf("%s: %w", commandString, err)
}

const maxStderrLines = 8

func lastLines(text string, limit int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= limit {
		return text
	}
	return strings.Join(lines[len(lines)-limit:], "\n")
}
