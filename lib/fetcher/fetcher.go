// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bureau-foundation/nixfs/lib/isolation"
	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/nix"
)

// DefaultWaitDelay is how long Fetch waits for the copy's stderr to
// close after the process has exited or been killed, when
// Options.WaitDelay is zero.
const DefaultWaitDelay = 5 * time.Second

// Options configures a CopyFetcher.
type Options struct {
	// Binary is the nix executable. Required.
	Binary string

	// Destination is the store nix copy writes to, normally the
	// backing directory. Required.
	Destination string

	// Source is the substituter entries are copied from, for example
	// "https://cache.nixos.org". Required.
	Source string

	// StoreDir is the store prefix of the copied path. Empty means
	// nix.DefaultStoreDir.
	StoreDir string

	// ExtraArgs are appended to every nix copy invocation.
	ExtraArgs []string

	// Environment holds additional KEY=VALUE entries for the copy
	// process. The process environment is otherwise minimal: PATH,
	// HOME, and NIX_IGNORE_SYMLINK_STORE.
	Environment []string

	// Isolator wraps the copy invocation. If nil, isolation.None is
	// used.
	Isolator isolation.Isolator

	// WorkingDirectory of the copy process. Empty means Destination.
	WorkingDirectory string

	// WaitDelay bounds how long Fetch waits for descendants of the
	// copy process that still hold its stderr open. Zero means
	// DefaultWaitDelay.
	WaitDelay time.Duration

	// Logger receives diagnostic messages. If nil, an error-level
	// stderr logger is used.
	Logger *slog.Logger
}

// CopyFetcher runs nix copy for one hash at a time. It is stateless
// between calls and safe for concurrent use.
type CopyFetcher struct {
	binary           string
	destination      string
	source           string
	storeDir         string
	extraArgs        []string
	environment      []string
	isolator         isolation.Isolator
	workingDirectory string
	waitDelay        time.Duration
	logger           *slog.Logger
}

var _ materialize.Fetcher = (*CopyFetcher)(nil)

// New validates options and returns a CopyFetcher.
func New(options Options) (*CopyFetcher, error) {
	if options.Binary == "" {
		return nil, fmt.Errorf("nix binary is required")
	}
	if options.Destination == "" {
		return nil, fmt.Errorf("copy destination is required")
	}
	if options.Source == "" {
		return nil, fmt.Errorf("copy source is required")
	}
	if options.Isolator == nil {
		options.Isolator = isolation.None{}
	}
	if options.WorkingDirectory == "" && filepath.IsAbs(options.Destination) {
		options.WorkingDirectory = options.Destination
	}
	if options.WaitDelay == 0 {
		options.WaitDelay = DefaultWaitDelay
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	return &CopyFetcher{
		binary:           options.Binary,
		destination:      options.Destination,
		source:           options.Source,
		storeDir:         options.StoreDir,
		extraArgs:        options.ExtraArgs,
		environment:      options.Environment,
		isolator:         options.Isolator,
		workingDirectory: options.WorkingDirectory,
		waitDelay:        options.WaitDelay,
		logger:           options.Logger,
	}, nil
}

// Isolator returns the isolator wrapping each copy.
func (f *CopyFetcher) Isolator() isolation.Isolator {
	return f.isolator
}

func (f *CopyFetcher) request(hash nix.ContentHash) nix.CopyRequest {
	return nix.CopyRequest{
		Binary:      f.binary,
		Destination: f.destination,
		Source:      f.source,
		StoreDir:    f.storeDir,
		Hash:        hash,
		ExtraArgs:   f.extraArgs,
	}
}

// processEnvironment returns the copy process environment.
func (f *CopyFetcher) processEnvironment(request nix.CopyRequest) []string {
	env := request.Environment()
	for _, name := range []string{"PATH", "HOME"} {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return append(env, f.environment...)
}

// Fetch copies hash from the source into the destination. It returns
// nil on success and a *materialize.FetchError otherwise.
func (f *CopyFetcher) Fetch(ctx context.Context, hash nix.ContentHash) error {
	request := f.request(hash)
	argv, err := request.Argv()
	if err != nil {
		return materialize.LaunchError(hash, err)
	}

	cmd, err := f.isolator.Command(ctx, argv, f.processEnvironment(request))
	if err != nil {
		return materialize.LaunchError(hash, fmt.Errorf("building %s command: %w", f.isolator.Name(), err))
	}
	cmd.Dir = f.workingDirectory
	stderr := newTailBuffer(defaultTailSize)
	cmd.Stderr = stderr

	// The isolation wrapper forks the copy tool, and nix forks its own
	// helpers. Run them all in one process group so cancellation kills
	// every process holding the stderr pipe, not just the direct child.
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = f.waitDelay

	f.logger.Debug("starting nix copy",
		"hash", hash,
		"isolation", f.isolator.Name(),
		"argv", cmd.Args,
	)

	if err := cmd.Start(); err != nil {
		if f.isolator.SetupFailed(isolation.Failure{StartErr: err}) {
			return materialize.IsolationError(hash, -1, fmt.Errorf("starting %s isolation: %w", f.isolator.Name(), err))
		}
		return materialize.LaunchError(hash, fmt.Errorf("starting nix copy: %w", err))
	}

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		f.logger.Warn("nix copy exited but left processes holding stderr",
			"hash", hash,
			"wait_delay", f.waitDelay,
		)
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return materialize.LaunchError(hash, fmt.Errorf("waiting for nix copy: %w", err))
	}

	exitCode := exitErr.ExitCode()
	output := stderr.Bytes()
	f.logger.Debug("nix copy failed",
		"hash", hash,
		"exit_code", exitCode,
		"stderr_bytes", len(output),
		"stderr_truncated", stderr.Truncated(),
	)
	if ctx.Err() != nil {
		return materialize.ExecutionError(hash, exitCode, fmt.Errorf("nix copy interrupted: %w", ctx.Err()))
	}
	if f.isolator.SetupFailed(isolation.Failure{ExitCode: exitCode, Stderr: output}) {
		return materialize.IsolationError(hash, exitCode,
			nix.FormatError(f.isolator.Name()+" isolation", nil, output, err))
	}
	return materialize.ExecutionError(hash, exitCode,
		nix.FormatError("nix", []string{"copy", nix.StorePath(f.storeDir, hash)}, output, err))
}
