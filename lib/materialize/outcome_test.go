// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFetchError_Is(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	tests := []struct {
		name     string
		err      *FetchError
		sentinel error
		kind     FailureKind
	}{
		{"launch", LaunchError("h", cause), ErrFetchLaunch, FailureLaunch},
		{"execution", ExecutionError("h", 1, cause), ErrFetchExecution, FailureExecution},
		{"isolation", IsolationError("h", 125, cause), ErrIsolationSetup, FailureIsolationSetup},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(testCase.err, testCase.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", testCase.err, testCase.sentinel)
			}
			if !errors.Is(testCase.err, cause) {
				t.Errorf("errors.Is(%v, cause) = false", testCase.err)
			}
			if testCase.err.Kind != testCase.kind {
				t.Errorf("Kind = %v, want %v", testCase.err.Kind, testCase.kind)
			}
			if !strings.Contains(testCase.err.Error(), "fetching h") {
				t.Errorf("Error() = %q, want hash in message", testCase.err.Error())
			}
		})
	}
}

func TestFetchError_NoKind(t *testing.T) {
	t.Parallel()

	err := &FetchError{Hash: "h", Err: errors.New("boom")}
	if got, want := err.Error(), "fetching h: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsFetchError(t *testing.T) {
	t.Parallel()

	plain := asFetchError("h", errors.New("boom"))
	if plain.Kind != FailureExecution || plain.ExitCode != -1 {
		t.Errorf("plain error normalized to kind %v exit %d, want execution/-1", plain.Kind, plain.ExitCode)
	}

	isolation := IsolationError("", 125, errors.New("mount denied"))
	normalized := asFetchError("h", isolation)
	if normalized.Kind != FailureIsolationSetup {
		t.Errorf("Kind = %v, want isolation-setup", normalized.Kind)
	}
	if normalized.Hash != "h" {
		t.Errorf("Hash = %q, want h filled in", normalized.Hash)
	}
}

func TestParseFailureKind(t *testing.T) {
	t.Parallel()

	for _, kind := range []FailureKind{FailureNone, FailureLaunch, FailureExecution, FailureIsolationSetup} {
		parsed, err := ParseFailureKind(kind.String())
		if err != nil {
			t.Fatalf("ParseFailureKind(%q): %v", kind.String(), err)
		}
		if parsed != kind {
			t.Errorf("ParseFailureKind(%q) = %v", kind.String(), parsed)
		}
	}
	if _, err := ParseFailureKind("bogus"); err == nil {
		t.Error("ParseFailureKind(bogus): expected error")
	}
}

func TestParsePolicies(t *testing.T) {
	t.Parallel()

	if policy, err := ParseFailurePolicy(""); err != nil || policy != MarkResolved {
		t.Errorf("ParseFailurePolicy(\"\") = %v, %v", policy, err)
	}
	if policy, err := ParseFailurePolicy("retry"); err != nil || policy != RetryFailures {
		t.Errorf("ParseFailurePolicy(retry) = %v, %v", policy, err)
	}
	if _, err := ParseFailurePolicy("sometimes"); err == nil {
		t.Error("ParseFailurePolicy(sometimes): expected error")
	}

	if propagation, err := ParsePropagation(""); err != nil || propagation != Lenient {
		t.Errorf("ParsePropagation(\"\") = %v, %v", propagation, err)
	}
	if propagation, err := ParsePropagation("strict"); err != nil || propagation != Strict {
		t.Errorf("ParsePropagation(strict) = %v, %v", propagation, err)
	}
	if _, err := ParsePropagation("loud"); err == nil {
		t.Error("ParsePropagation(loud): expected error")
	}
}

func TestPropagate(t *testing.T) {
	t.Parallel()

	failed := func(err *FetchError) Outcome {
		return Outcome{Hash: "h", State: Failed, Err: err}
	}
	tests := []struct {
		name        string
		propagation Propagation
		outcome     Outcome
		wantErr     error
	}{
		{"lenient success", Lenient, Outcome{State: Succeeded}, nil},
		{"lenient execution", Lenient, failed(ExecutionError("h", 1, errors.New("x"))), nil},
		{"lenient launch", Lenient, failed(LaunchError("h", errors.New("x"))), nil},
		{"lenient isolation", Lenient, failed(IsolationError("h", 125, errors.New("x"))), ErrIsolationSetup},
		{"strict success", Strict, Outcome{State: Succeeded}, nil},
		{"strict execution", Strict, failed(ExecutionError("h", 1, errors.New("x"))), ErrFetchExecution},
		{"strict launch", Strict, failed(LaunchError("h", errors.New("x"))), ErrFetchLaunch},
		{"strict isolation", Strict, failed(IsolationError("h", 125, errors.New("x"))), ErrIsolationSetup},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			err := testCase.propagation.propagate(testCase.outcome)
			if testCase.wantErr == nil {
				if err != nil {
					t.Errorf("propagate = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) {
				t.Errorf("propagate = %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

func TestOutcome_Duration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	outcome := Outcome{Started: start, Finished: start.Add(3 * time.Second)}
	if outcome.Duration() != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", outcome.Duration())
	}
	if (Outcome{Started: start}).Duration() != 0 {
		t.Error("unfinished outcome has non-zero duration")
	}
}
