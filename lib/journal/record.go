// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/nix"
)

// recordVersion is written into every record.
const recordVersion = 1

// Record is the on-disk form of one outcome.
type Record struct {
	Version  int       `cbor:"v"`
	Hash     string    `cbor:"hash"`
	State    string    `cbor:"state"`
	Kind     string    `cbor:"kind,omitempty"`
	ExitCode int       `cbor:"exit_code,omitempty"`
	Reason   string    `cbor:"reason,omitempty"`
	Started  time.Time `cbor:"started"`
	Finished time.Time `cbor:"finished"`
}

// NewRecord converts a finished outcome. Pending outcomes are rejected.
func NewRecord(outcome materialize.Outcome) (Record, error) {
	if outcome.Hash == "" {
		return Record{}, fmt.Errorf("outcome has no hash")
	}
	if outcome.State == materialize.Pending {
		return Record{}, fmt.Errorf("outcome for %s is still pending", outcome.Hash)
	}

	record := Record{
		Version:  recordVersion,
		Hash:     string(outcome.Hash),
		State:    outcome.State.String(),
		Started:  outcome.Started.UTC(),
		Finished: outcome.Finished.UTC(),
	}
	if outcome.Err != nil {
		record.Kind = outcome.Err.Kind.String()
		record.ExitCode = outcome.Err.ExitCode
		if outcome.Err.Err != nil {
			record.Reason = outcome.Err.Err.Error()
		}
	}
	return record, nil
}

// Outcome converts the record back. The failure cause is restored as
// an opaque error carrying the recorded reason.
func (r Record) Outcome() (materialize.Outcome, error) {
	hash := nix.ContentHash(r.Hash)
	if hash == "" {
		return materialize.Outcome{}, fmt.Errorf("record has no hash")
	}

	outcome := materialize.Outcome{
		Hash:     hash,
		Started:  r.Started,
		Finished: r.Finished,
	}
	switch r.State {
	case materialize.Succeeded.String():
		outcome.State = materialize.Succeeded
	case materialize.Failed.String():
		outcome.State = materialize.Failed
		kind, err := materialize.ParseFailureKind(r.Kind)
		if err != nil {
			return materialize.Outcome{}, fmt.Errorf("record for %s: %w", hash, err)
		}
		reason := r.Reason
		if reason == "" {
			reason = "no reason recorded"
		}
		outcome.Err = &materialize.FetchError{
			Hash:     hash,
			Kind:     kind,
			ExitCode: r.ExitCode,
			Err:      errors.New(reason),
		}
	default:
		return materialize.Outcome{}, fmt.Errorf("record for %s has state %q", hash, r.State)
	}
	return outcome, nil
}
