// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/nixfs/lib/nix"
)

// State is the lifecycle state of a fetch.
type State int

const (
	// Pending means the fetch has not finished.
	Pending State = iota

	// Succeeded means the copy tool exited zero.
	Succeeded

	// Failed means the fetch could not be launched, the copy tool
	// exited non-zero, or the isolation boundary could not be set up.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailureKind classifies a failed fetch.
type FailureKind int

const (
	// FailureNone is the kind of a successful or pending outcome.
	FailureNone FailureKind = iota

	// FailureLaunch means the fetch process could not be started.
	FailureLaunch

	// FailureExecution means the copy tool ran and exited non-zero
	// (or was killed by the fetch timeout).
	FailureExecution

	// FailureIsolationSetup means the isolation boundary itself
	// failed, typically for lack of privilege.
	FailureIsolationSetup
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureLaunch:
		return "launch"
	case FailureExecution:
		return "execution"
	case FailureIsolationSetup:
		return "isolation-setup"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// ParseFailureKind is the inverse of FailureKind.String.
func ParseFailureKind(s string) (FailureKind, error) {
	for _, kind := range []FailureKind{FailureNone, FailureLaunch, FailureExecution, FailureIsolationSetup} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return FailureNone, fmt.Errorf("unknown failure kind %q", s)
}

var (
	// ErrFetchLaunch matches FetchErrors of kind FailureLaunch.
	ErrFetchLaunch = errors.New("fetch could not be launched")

	// ErrFetchExecution matches FetchErrors of kind FailureExecution.
	ErrFetchExecution = errors.New("copy tool failed")

	// ErrIsolationSetup matches FetchErrors of kind
	// FailureIsolationSetup.
	ErrIsolationSetup = errors.New("isolation boundary could not be established")

	// ErrClosed is returned by Resolve after Close for hashes that are
	// not already cached.
	ErrClosed = errors.New("coordinator closed")
)

func (k FailureKind) sentinel() error {
	switch k {
	case FailureLaunch:
		return ErrFetchLaunch
	case FailureExecution:
		return ErrFetchExecution
	case FailureIsolationSetup:
		return ErrIsolationSetup
	default:
		return nil
	}
}

// FetchError describes a failed fetch. errors.Is matches it against
// the sentinel of its Kind as well as against the wrapped cause.
type FetchError struct {
	Hash nix.ContentHash
	Kind FailureKind

	// ExitCode is the exit status of the fetch process, or -1 when
	// the process never ran or was killed by a signal.
	ExitCode int

	// Err is the underlying cause.
	Err error
}

func (e *FetchError) Error() string {
	if sentinel := e.Kind.sentinel(); sentinel != nil {
		return fmt.Sprintf("fetching %s: %v: %v", e.Hash, sentinel, e.Err)
	}
	return fmt.Sprintf("fetching %s: %v", e.Hash, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if sentinel := e.Kind.sentinel(); sentinel != nil {
		return []error{sentinel, e.Err}
	}
	return []error{e.Err}
}

// LaunchError returns a FetchError of kind FailureLaunch.
func LaunchError(hash nix.ContentHash, err error) *FetchError {
	return &FetchError{Hash: hash, Kind: FailureLaunch, ExitCode: -1, Err: err}
}

// ExecutionError returns a FetchError of kind FailureExecution.
func ExecutionError(hash nix.ContentHash, exitCode int, err error) *FetchError {
	return &FetchError{Hash: hash, Kind: FailureExecution, ExitCode: exitCode, Err: err}
}

// IsolationError returns a FetchError of kind FailureIsolationSetup.
func IsolationError(hash nix.ContentHash, exitCode int, err error) *FetchError {
	return &FetchError{Hash: hash, Kind: FailureIsolationSetup, ExitCode: exitCode, Err: err}
}

// asFetchError normalizes whatever a Fetcher returned. Errors that are
// not already FetchErrors are treated as execution failures.
func asFetchError(hash nix.ContentHash, err error) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Hash == "" {
			fetchErr.Hash = hash
		}
		return fetchErr
	}
	return ExecutionError(hash, -1, err)
}

// Outcome is the recorded result of one fetch.
type Outcome struct {
	Hash  nix.ContentHash
	State State

	// Err is set when State is Failed.
	Err *FetchError

	Started  time.Time
	Finished time.Time
}

// Duration is how long the fetch took, including any wait for a free
// fetch slot.
func (o Outcome) Duration() time.Duration {
	if o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Kind returns the failure kind, or FailureNone.
func (o Outcome) Kind() FailureKind {
	if o.Err == nil {
		return FailureNone
	}
	return o.Err.Kind
}

// FailurePolicy decides what a failed fetch leaves behind.
type FailurePolicy int

const (
	// MarkResolved caches failed hashes like successful ones. They are
	// never fetched again for the lifetime of the cache.
	MarkResolved FailurePolicy = iota

	// RetryFailures leaves failed hashes out of the cache, so the next
	// access launches a new fetch.
	RetryFailures
)

func (p FailurePolicy) String() string {
	switch p {
	case MarkResolved:
		return "mark-resolved"
	case RetryFailures:
		return "retry"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "mark-resolved" or "retry".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "mark-resolved", "":
		return MarkResolved, nil
	case "retry":
		return RetryFailures, nil
	default:
		return MarkResolved, fmt.Errorf("unknown failure policy %q (want mark-resolved or retry)", s)
	}
}

// Propagation decides which failures Resolve returns to its caller.
type Propagation int

const (
	// Lenient releases callers of launch and execution failures with a
	// nil error, exactly as on success.
	Lenient Propagation = iota

	// Strict returns every failure to the caller.
	Strict
)

func (p Propagation) String() string {
	switch p {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation parses "lenient" or "strict".
func ParsePropagation(s string) (Propagation, error) {
	switch s {
	case "lenient", "":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown propagation %q (want lenient or strict)", s)
	}
}

// propagate returns the error a caller observes for outcome.
func (p Propagation) propagate(outcome Outcome) error {
	if outcome.State != Failed || outcome.Err == nil {
		return nil
	}
	if outcome.Err.Kind == FailureIsolationSetup || p == Strict {
		return outcome.Err
	}
	return nil
}
