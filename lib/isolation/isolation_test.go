// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"

	"github.com/bureau-foundation/nixfs/lib/testutil"
)

var testBinding = Binding{Source: "/true_nix", Target: "/nix"}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		options  Options
		wantName string
		wantErr  string
	}{
		{"default is namespace", Options{Binding: testBinding}, KindNamespace, ""},
		{"unshare", Options{Kind: KindUnshare, Binding: testBinding, UnshareBinary: "/usr/bin/unshare"}, KindUnshare, ""},
		{"bwrap", Options{Kind: KindBwrap, Binding: testBinding, BwrapBinary: "/usr/bin/bwrap"}, KindBwrap, ""},
		{"none ignores binding", Options{Kind: KindNone}, KindNone, ""},
		{"unknown", Options{Kind: "chroot", Binding: testBinding}, "", "unknown isolation kind"},
		{"relative source", Options{Binding: Binding{Source: "true_nix", Target: "/nix"}}, "", "bind source"},
		{"missing target", Options{Binding: Binding{Source: "/true_nix"}}, "", "bind target"},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			isolator, err := New(testCase.options)
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("New = %v, want error containing %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if isolator.Name() != testCase.wantName {
				t.Errorf("Name = %q, want %q", isolator.Name(), testCase.wantName)
			}
		})
	}
}

func TestNamespace_Command(t *testing.T) {
	t.Parallel()

	isolator := &Namespace{Binding: testBinding, Executable: "/usr/bin/nixfs"}
	env := []string{"NIX_IGNORE_SYMLINK_STORE=1"}
	cmd, err := isolator.Command(context.Background(), []string{"/bin/nix", "copy"}, env)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	want := []string{
		"/usr/bin/nixfs", "isolate-exec",
		"--bind-source", "/true_nix",
		"--bind-target", "/nix",
		"--", "/bin/nix", "copy",
	}
	if !slices.Equal(cmd.Args, want) {
		t.Errorf("Args =\n  %q\nwant\n  %q", cmd.Args, want)
	}
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Unshareflags&syscall.CLONE_NEWNS == 0 {
		t.Error("command does not request a new mount namespace")
	}
	if !slices.Equal(cmd.Env, env) {
		t.Errorf("Env = %q, want %q", cmd.Env, env)
	}

	if _, err := isolator.Command(context.Background(), nil, env); err == nil {
		t.Error("Command with empty argv: expected error")
	}
}

func TestNamespace_DefaultExecutable(t *testing.T) {
	t.Parallel()

	args := (&Namespace{Binding: testBinding}).Args([]string{"true"})
	if args[0] != "/proc/self/exe" {
		t.Errorf("Args[0] = %q, want /proc/self/exe", args[0])
	}
}

func TestUnshare_Args(t *testing.T) {
	t.Parallel()

	isolator := &Unshare{Binding: testBinding, Binary: "/usr/bin/unshare"}
	args := isolator.Args([]string{"/bin/nix", "copy"})
	want := []string{
		"/usr/bin/unshare", "--mount", "--propagation", "private",
		"sh", "-c", unshareScript, "nixfs-isolate",
		"/true_nix", "/nix",
		"/bin/nix", "copy",
	}
	if !slices.Equal(args, want) {
		t.Errorf("Args =\n  %q\nwant\n  %q", args, want)
	}
}

// TestUnshare_ScriptRunsCommand runs the wrapper script with a fake
// unshare that ignores its namespace flags and a fake mount on PATH,
// checking that the script passes the binding to mount and then execs
// the command with its arguments intact.
func TestUnshare_ScriptRunsCommand(t *testing.T) {
	t.Parallel()

	binDir := t.TempDir()
	mountLog := filepath.Join(t.TempDir(), "mount.log")
	fakeMount := testutil.Executable(t, "mount", fmt.Sprintf("echo \"$@\" > %s\n", mountLog))
	if err := os.Rename(fakeMount, filepath.Join(binDir, "mount")); err != nil {
		t.Fatal(err)
	}
	// Drop "--mount --propagation private" and run the rest.
	fakeUnshare := testutil.Executable(t, "unshare", "shift 3\nexec \"$@\"\n")

	isolator := &Unshare{Binding: testBinding, Binary: fakeUnshare}
	env := []string{"PATH=" + binDir + ":/usr/bin:/bin"}
	cmd, err := isolator.Command(context.Background(), []string{"echo", "hello world"}, env)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("running wrapped command: %v", err)
	}
	if got := strings.TrimSpace(string(output)); got != "hello world" {
		t.Errorf("output = %q, want %q", got, "hello world")
	}

	logged, err := os.ReadFile(mountLog)
	if err != nil {
		t.Fatalf("reading mount log: %v", err)
	}
	if got := strings.TrimSpace(string(logged)); got != "-n --bind /true_nix /nix" {
		t.Errorf("mount called with %q", got)
	}
}

func TestUnshare_ScriptReportsMountFailure(t *testing.T) {
	t.Parallel()

	binDir := t.TempDir()
	fakeMount := testutil.Executable(t, "mount", "echo 'mount: permission denied' >&2\nexit 32\n")
	if err := os.Rename(fakeMount, filepath.Join(binDir, "mount")); err != nil {
		t.Fatal(err)
	}
	fakeUnshare := testutil.Executable(t, "unshare", "shift 3\nexec \"$@\"\n")

	isolator := &Unshare{Binding: testBinding, Binary: fakeUnshare}
	env := []string{"PATH=" + binDir + ":/usr/bin:/bin"}
	cmd, err := isolator.Command(context.Background(), []string{"echo", "unreachable"}, env)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	output, err := cmd.Output()
	if strings.Contains(string(output), "unreachable") {
		t.Error("command ran despite failed mount")
	}
	exitCode := -1
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if !isolator.SetupFailed(Failure{ExitCode: exitCode}) {
		t.Errorf("SetupFailed(exit %d) = false, want true (err %v)", exitCode, err)
	}
}

func TestBwrap_Args(t *testing.T) {
	t.Parallel()

	isolator := &Bwrap{Binding: testBinding, Binary: "/usr/bin/bwrap"}
	args := isolator.Args([]string{"/bin/nix", "copy"})
	want := []string{
		"/usr/bin/bwrap",
		"--dev-bind", "/", "/",
		"--bind", "/true_nix", "/nix",
		"--die-with-parent",
		"--", "/bin/nix", "copy",
	}
	if !slices.Equal(args, want) {
		t.Errorf("Args =\n  %q\nwant\n  %q", args, want)
	}
}

func TestSetupFailed(t *testing.T) {
	t.Parallel()

	namespace := &Namespace{Binding: testBinding}
	unshare := &Unshare{Binding: testBinding, Binary: "unshare"}
	bwrap := &Bwrap{Binding: testBinding, Binary: "bwrap"}

	tests := []struct {
		name     string
		isolator Isolator
		failure  Failure
		want     bool
	}{
		{"namespace EPERM at start", namespace, Failure{StartErr: &os.SyscallError{Syscall: "fork/exec", Err: syscall.EPERM}}, true},
		{"namespace missing binary", namespace, Failure{StartErr: errors.New("exec: not found")}, false},
		{"namespace mount exit", namespace, Failure{ExitCode: SetupFailureExitCode}, true},
		{"namespace copy failure", namespace, Failure{ExitCode: 1, Stderr: []byte("error: path is not valid")}, false},
		{"unshare diagnostic", unshare, Failure{ExitCode: 1, Stderr: []byte("unshare: unshare failed: Operation not permitted\n")}, true},
		{"unshare mount exit", unshare, Failure{ExitCode: SetupFailureExitCode}, true},
		{"unshare copy failure", unshare, Failure{ExitCode: 1, Stderr: []byte("error: cannot connect\n")}, false},
		{"bwrap diagnostic", bwrap, Failure{ExitCode: 1, Stderr: []byte("bwrap: Creating new namespace failed: Operation not permitted\n")}, true},
		{"bwrap diagnostic after output", bwrap, Failure{ExitCode: 1, Stderr: []byte("warning\nbwrap: Can't mount\n")}, true},
		{"bwrap copy failure", bwrap, Failure{ExitCode: 1, Stderr: []byte("error: bwrap: mentioned mid-line\n")}, false},
		{"none never", None{}, Failure{ExitCode: SetupFailureExitCode}, false},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if got := testCase.isolator.SetupFailed(testCase.failure); got != testCase.want {
				t.Errorf("SetupFailed = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestNone_RunsCommand(t *testing.T) {
	t.Parallel()

	script := testutil.Executable(t, "print-env", "echo \"$NIX_IGNORE_SYMLINK_STORE:$1\"\n")
	cmd, err := None{}.Command(context.Background(), []string{script, "arg"}, []string{"NIX_IGNORE_SYMLINK_STORE=1"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if got := strings.TrimSpace(string(output)); got != "1:arg" {
		t.Errorf("output = %q, want 1:arg", got)
	}
}

func TestEnter_ValidatesBeforeMounting(t *testing.T) {
	t.Parallel()

	err := Enter(Binding{Source: "relative", Target: "/nix"}, []string{"true"})
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("Enter with relative source = %v, want SetupError", err)
	}

	if err := Enter(testBinding, nil); err == nil || errors.As(err, &setupErr) {
		t.Errorf("Enter with empty argv = %v, want plain error", err)
	}
}
