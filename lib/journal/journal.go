// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"

	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/nix"
)

// Replay is the result of reading a journal file.
type Replay struct {
	// Outcomes holds the last valid record for each hash, ordered by
	// the first appearance of the hash in the file. A later record
	// supersedes an earlier one, so a success appended after a replayed
	// failure wins.
	Outcomes []materialize.Outcome

	// Records is the number of valid frames read, duplicates included.
	Records int

	// Duplicates counts valid frames that superseded an earlier frame
	// for the same hash.
	Duplicates int

	// Invalid counts frames that decoded but did not convert to an
	// outcome (unknown state or failure kind).
	Invalid int

	// DiscardedBytes is the length of the corrupt or torn tail.
	DiscardedBytes int

	// TailError describes why the tail was discarded.
	TailError error
}

// Clean reports whether the file can be appended to as-is.
func (r Replay) Clean() bool {
	return r.DiscardedBytes == 0 && r.Duplicates == 0 && r.Invalid == 0
}

// Read parses the journal at path. A missing file is an empty journal.
// A corrupt tail is not an error; it is reported in the Replay.
func Read(path string) (Replay, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Replay{}, nil
	}
	if err != nil {
		return Replay{}, fmt.Errorf("reading journal: %w", err)
	}
	return parse(data), nil
}

func parse(data []byte) Replay {
	var replay Replay
	index := make(map[nix.ContentHash]int)
	for offset := 0; offset < len(data); {
		record, consumed, err := decodeFrame(data[offset:])
		if err != nil {
			replay.DiscardedBytes = len(data) - offset
			replay.TailError = fmt.Errorf("at offset %d: %w", offset, err)
			break
		}
		offset += consumed
		replay.Records++

		outcome, err := record.Outcome()
		if err != nil {
			replay.Invalid++
			continue
		}
		if position, seen := index[outcome.Hash]; seen {
			replay.Outcomes[position] = outcome
			replay.Duplicates++
			continue
		}
		index[outcome.Hash] = len(replay.Outcomes)
		replay.Outcomes = append(replay.Outcomes, outcome)
	}
	return replay
}

// Options configures a Journal.
type Options struct {
	// Sync fsyncs the file after every record. Without it a crash can
	// lose the most recent records, which only costs a repeated fetch.
	Sync bool

	// Logger receives diagnostic messages. If nil, an error-level
	// stderr logger is used.
	Logger *slog.Logger
}

// Journal appends outcomes to a file. It implements
// materialize.Recorder and is safe for concurrent use.
type Journal struct {
	path   string
	sync   bool
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	replay Replay
}

var _ materialize.Recorder = (*Journal)(nil)

// Open reads the journal at path, compacts it if replay found a
// corrupt tail or redundant records, and opens it for appending. The
// parent directory is created if missing.
func Open(path string, options Options) (*Journal, error) {
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	replay, err := Read(path)
	if err != nil {
		return nil, err
	}
	if replay.TailError != nil {
		options.Logger.Warn("discarding corrupt journal tail",
			"path", path,
			"bytes", replay.DiscardedBytes,
			"error", replay.TailError,
		)
	}
	if !replay.Clean() {
		if err := rewrite(path, replay.Outcomes); err != nil {
			return nil, err
		}
		options.Logger.Info("journal compacted",
			"path", path,
			"records", len(replay.Outcomes),
			"duplicates", replay.Duplicates,
			"invalid", replay.Invalid,
		)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return &Journal{
		path:   path,
		sync:   options.Sync,
		logger: options.Logger,
		file:   file,
		replay: replay,
	}, nil
}

// rewrite atomically replaces the journal with the given outcomes.
func rewrite(path string, outcomes []materialize.Outcome) error {
	var data []byte
	for _, outcome := range outcomes {
		record, err := NewRecord(outcome)
		if err != nil {
			return err
		}
		frame, err := encodeFrame(record)
		if err != nil {
			return err
		}
		data = append(data, frame...)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("rewriting journal: %w", err)
	}
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Replayed returns what Open read from the file.
func (j *Journal) Replayed() Replay {
	return j.replay
}

// Populate inserts the replayed outcomes into cache. Outcomes for
// which keep returns false are skipped; a nil keep inserts everything.
// It returns the number of outcomes inserted.
func (j *Journal) Populate(cache *materialize.CompletionCache, keep func(materialize.Outcome) bool) int {
	inserted := 0
	for _, outcome := range j.replay.Outcomes {
		if keep != nil && !keep(outcome) {
			continue
		}
		if cache.Insert(outcome.Hash, outcome) {
			inserted++
		}
	}
	return inserted
}

// Record appends outcome to the journal.
func (j *Journal) Record(outcome materialize.Outcome) error {
	record, err := NewRecord(outcome)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(record)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.file.Write(frame); err != nil {
		return fmt.Errorf("appending to journal: %w", err)
	}
	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("syncing journal: %w", err)
		}
	}
	return nil
}

// Close syncs and closes the file. Record fails after Close.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	syncErr := j.file.Sync()
	closeErr := j.file.Close()
	j.file = nil
	if syncErr != nil {
		return fmt.Errorf("syncing journal: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing journal: %w", closeErr)
	}
	return nil
}
