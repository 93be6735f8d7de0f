// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/nixfs/lib/isolation"
	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/testutil"
)

// fakeNix writes a nix stand-in that records its arguments,
// environment, and working directory into logDir, then runs tail.
func fakeNix(t *testing.T, logDir, tail string) string {
	t.Helper()
	body := fmt.Sprintf(`printf '%%s\n' "$@" > %[1]s/args
echo "$NIX_IGNORE_SYMLINK_STORE" > %[1]s/ignore
echo "$EXTRA" > %[1]s/extra
pwd > %[1]s/cwd
%[2]s
`, logDir, tail)
	return testutil.Executable(t, "nix", body)
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return strings.TrimSpace(string(data))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	complete := Options{Binary: "/bin/nix", Destination: "/true_nix", Source: "https://cache.nixos.org"}
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"binary", func(o *Options) { o.Binary = "" }},
		{"destination", func(o *Options) { o.Destination = "" }},
		{"source", func(o *Options) { o.Source = "" }},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			options := complete
			testCase.mutate(&options)
			if _, err := New(options); err == nil {
				t.Errorf("New without %s: expected error", testCase.name)
			}
		})
	}

	fetcher, err := New(complete)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if fetcher.Isolator().Name() != isolation.KindNone {
		t.Errorf("default isolator = %q, want none", fetcher.Isolator().Name())
	}
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	destination := t.TempDir()
	binary := fakeNix(t, logDir, "exit 0")

	fetcher, err := New(Options{
		Binary:      binary,
		Destination: destination,
		Source:      "https://cache.example.org",
		ExtraArgs:   []string{"--option", "narinfo-cache-negative-ttl", "0"},
		Environment: []string{"EXTRA=present"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fetcher.Fetch(context.Background(), "abc-hello"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	wantArgs := strings.Join([]string{
		"copy",
		"--to", destination,
		"--from", "https://cache.example.org",
		"/nix/store/abc-hello",
		"--extra-experimental-features", "nix-command",
		"--option", "narinfo-cache-negative-ttl", "0",
	}, "\n")
	if got := readLog(t, filepath.Join(logDir, "args")); got != wantArgs {
		t.Errorf("nix args =\n%s\nwant\n%s", got, wantArgs)
	}
	if got := readLog(t, filepath.Join(logDir, "ignore")); got != "1" {
		t.Errorf("NIX_IGNORE_SYMLINK_STORE = %q, want 1", got)
	}
	if got := readLog(t, filepath.Join(logDir, "extra")); got != "present" {
		t.Errorf("EXTRA = %q, want present", got)
	}
	wantDir, _ := filepath.EvalSymlinks(destination)
	gotDir, _ := filepath.EvalSymlinks(readLog(t, filepath.Join(logDir, "cwd")))
	if gotDir != wantDir {
		t.Errorf("working directory = %q, want %q", gotDir, wantDir)
	}
}

func TestFetch_ExecutionFailure(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	var progress strings.Builder
	for i := range 20 {
		fmt.Fprintf(&progress, "echo 'copying path %d' >&2\n", i)
	}
	binary := fakeNix(t, logDir, progress.String()+
		"echo \"error: path '/nix/store/missing' is not valid\" >&2\nexit 1")

	fetcher, err := New(Options{Binary: binary, Destination: t.TempDir(), Source: "https://cache.example.org"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = fetcher.Fetch(context.Background(), "missing")
	if !errors.Is(err, materialize.ErrFetchExecution) {
		t.Fatalf("Fetch = %v, want ErrFetchExecution", err)
	}
	var fetchErr *materialize.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Fetch error is %T, want *FetchError", err)
	}
	if fetchErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", fetchErr.ExitCode)
	}
	message := err.Error()
	if !strings.Contains(message, "is not valid") {
		t.Errorf("error %q does not include the copy tool's last stderr line", message)
	}
	if strings.Contains(message, "copying path 0\n") {
		t.Errorf("error %q includes early progress output", message)
	}
}

func TestFetch_LaunchFailure(t *testing.T) {
	t.Parallel()

	fetcher, err := New(Options{
		Binary:      filepath.Join(t.TempDir(), "no-such-nix"),
		Destination: t.TempDir(),
		Source:      "https://cache.example.org",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = fetcher.Fetch(context.Background(), "abc")
	if !errors.Is(err, materialize.ErrFetchLaunch) {
		t.Fatalf("Fetch = %v, want ErrFetchLaunch", err)
	}
}

func TestFetch_IsolationFailure(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	binary := fakeNix(t, logDir, "exit 0")
	deniedUnshare := testutil.Executable(t, "unshare",
		"echo 'unshare: unshare failed: Operation not permitted' >&2\nexit 1")
	failingReexec := testutil.Executable(t, "nixfs", "exit 125")

	tests := []struct {
		name     string
		isolator isolation.Isolator
	}{
		{"unshare", &isolation.Unshare{Binding: isolation.Binding{Source: "/true_nix", Target: "/nix"}, Binary: deniedUnshare}},
		{"namespace", &isolation.Namespace{Binding: isolation.Binding{Source: "/true_nix", Target: "/nix"}, Executable: failingReexec}},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fetcher, err := New(Options{
				Binary:      binary,
				Destination: t.TempDir(),
				Source:      "https://cache.example.org",
				Isolator:    testCase.isolator,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			err = fetcher.Fetch(context.Background(), "abc")
			if !errors.Is(err, materialize.ErrIsolationSetup) {
				t.Fatalf("Fetch = %v, want ErrIsolationSetup", err)
			}
			if _, statErr := os.Stat(filepath.Join(logDir, "args")); statErr == nil {
				t.Error("nix ran although isolation failed")
			}
		})
	}
}

func TestFetch_Cancelled(t *testing.T) {
	t.Parallel()

	binary := fakeNix(t, t.TempDir(), "exec sleep 60")
	fetcher, err := New(Options{Binary: binary, Destination: t.TempDir(), Source: "https://cache.example.org"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = fetcher.Fetch(ctx, "abc")
	if err == nil {
		t.Fatal("Fetch with cancelled context succeeded")
	}
	var fetchErr *materialize.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Fetch error is %T, want *FetchError", err)
	}
}

// TestFetch_TimeoutKillsDescendants runs a copy tool whose child
// process holds stderr open. The deadline must end the fetch promptly
// instead of waiting for the child to exit on its own.
func TestFetch_TimeoutKillsDescendants(t *testing.T) {
	t.Parallel()

	binary := fakeNix(t, t.TempDir(), "sleep 30\nexit 0")
	fetcher, err := New(Options{Binary: binary, Destination: t.TempDir(), Source: "https://cache.example.org"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = fetcher.Fetch(ctx, "abc")
	elapsed := time.Since(start)

	if !errors.Is(err, materialize.ErrFetchExecution) {
		t.Errorf("Fetch = %v, want ErrFetchExecution", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Fetch returned after %v, want prompt return after the 100ms deadline", elapsed)
	}
}

func TestFetch_ExitedWithStderrHeldOpen(t *testing.T) {
	t.Parallel()

	binary := fakeNix(t, t.TempDir(), "sleep 3 &\nexit 0")
	fetcher, err := New(Options{
		Binary:      binary,
		Destination: t.TempDir(),
		Source:      "https://cache.example.org",
		WaitDelay:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	if err := fetcher.Fetch(context.Background(), "abc"); err != nil {
		t.Errorf("Fetch = %v, want success: the copy tool exited zero", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch returned after %v, want about WaitDelay", elapsed)
	}
}

func TestFetch_LogsTruncatedStderr(t *testing.T) {
	t.Parallel()

	binary := fakeNix(t, t.TempDir(),
		fmt.Sprintf("head -c %d /dev/zero | tr '\\0' x >&2\nexit 1", defaultTailSize+1024))
	var logs bytes.Buffer
	fetcher, err := New(Options{
		Binary:      binary,
		Destination: t.TempDir(),
		Source:      "https://cache.example.org",
		Logger:      slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := fetcher.Fetch(context.Background(), "abc"); !errors.Is(err, materialize.ErrFetchExecution) {
		t.Fatalf("Fetch = %v, want ErrFetchExecution", err)
	}
	if !strings.Contains(logs.String(), "stderr_truncated=true") {
		t.Errorf("log output does not report truncated stderr:\n%s", logs.String())
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	tail := newTailBuffer(8)
	tail.Write([]byte("abc"))
	if got := string(tail.Bytes()); got != "abc" {
		t.Errorf("Bytes = %q, want abc", got)
	}
	if tail.Truncated() {
		t.Error("Truncated after 3 of 8 bytes")
	}

	tail.Write([]byte("defghij"))
	if got := string(tail.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes = %q, want cdefghij", got)
	}
	if !tail.Truncated() {
		t.Error("not Truncated after 10 of 8 bytes")
	}

	n, err := tail.Write([]byte("0123456789XY"))
	if n != 12 || err != nil {
		t.Errorf("Write = %d, %v; want 12, nil", n, err)
	}
	if got := string(tail.Bytes()); got != "456789XY" {
		t.Errorf("Bytes = %q, want 456789XY", got)
	}
}
