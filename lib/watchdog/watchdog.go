// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/renameio"

	"github.com/bureau-foundation/nixfs/lib/clock"
	"github.com/bureau-foundation/nixfs/lib/codec"
)

// Counters mirrors the coordinator statistics.
type Counters struct {
	Launched  int64 `cbor:"launched"`
	Succeeded int64 `cbor:"succeeded"`
	Failed    int64 `cbor:"failed"`
	CacheHits int64 `cbor:"cache_hits"`
	Waiters   int64 `cbor:"waiters"`
	InFlight  int   `cbor:"in_flight"`
	Completed int   `cbor:"completed"`
}

// State is the content of a heartbeat file.
type State struct {
	PID           int    `cbor:"pid"`
	Mountpoint    string `cbor:"mountpoint"`
	BackingRoot   string `cbor:"backing_root"`
	Source        string `cbor:"source"`
	Isolation     string `cbor:"isolation"`
	FailurePolicy string `cbor:"failure_policy"`
	Propagation   string `cbor:"propagation"`

	Started time.Time `cbor:"started"`

	// Updated is when this state was written. Check compares it
	// against the maximum age.
	Updated time.Time `cbor:"updated"`

	Counters Counters `cbor:"counters"`
}

// Write atomically replaces the heartbeat file at path. The parent
// directory must already exist.
func Write(path string, state State) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing heartbeat %s: %w", path, err)
	}
	return nil
}

// Read parses a heartbeat file. When the file does not exist, the
// returned error wraps os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := codec.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing heartbeat %s: %w", path, err)
	}
	return state, nil
}

// Check reads the heartbeat at path and reports whether it was updated
// within maxAge of now. A missing or stale file returns a zero State
// and false. Other errors are returned so callers can tell "no mount"
// apart from "heartbeat unreadable".
func Check(path string, maxAge time.Duration, now time.Time) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if now.Sub(state.Updated) > maxAge {
		return State{}, false, nil
	}
	return state, true, nil
}

// Clear removes the heartbeat file. It returns nil when the file does
// not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing heartbeat: %w", err)
	}
	return nil
}

// Run writes the heartbeat immediately and then every interval until
// ctx is cancelled, then removes it. snapshot is called for each write;
// Run stamps Updated itself. Write errors are logged and retried on the
// next tick.
func Run(ctx context.Context, path string, interval time.Duration, c clock.Clock, logger *slog.Logger, snapshot func() State) {
	write := func() {
		state := snapshot()
		state.Updated = c.Now()
		if err := Write(path, state); err != nil {
			logger.Warn("heartbeat write failed", "path", path, "error", err)
		}
	}

	write()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := Clear(path); err != nil {
				logger.Warn("heartbeat removal failed", "path", path, "error", err)
			}
			return
		case <-ticker.C:
			write()
		}
	}
}
