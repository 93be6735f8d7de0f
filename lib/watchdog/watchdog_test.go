// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/nixfs/lib/clock"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWriteRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heartbeat")
	state := State{
		PID:           4242,
		Mountpoint:    "/root/nix",
		BackingRoot:   "/true_nix",
		Source:        "https://cache.nixos.org",
		Isolation:     "namespace",
		FailurePolicy: "mark-resolved",
		Propagation:   "lenient",
		Started:       testNow.Add(-time.Hour),
		Updated:       testNow,
		Counters:      Counters{Launched: 3, Succeeded: 2, Failed: 1, CacheHits: 40, Completed: 3},
	}
	if err := Write(path, state); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.PID != state.PID || got.Mountpoint != state.Mountpoint || got.Isolation != state.Isolation {
		t.Errorf("Read = %+v, want %+v", got, state)
	}
	if got.Counters != state.Counters {
		t.Errorf("Counters = %+v, want %+v", got.Counters, state.Counters)
	}
	if !got.Updated.Equal(state.Updated) {
		t.Errorf("Updated = %v, want %v", got.Updated, state.Updated)
	}
}

func TestWriteNoTemporaryFileLeftBehind(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	if err := Write(filepath.Join(directory, "heartbeat"), State{PID: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		var names []string
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Errorf("directory contains %v, want only heartbeat", names)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	if _, err := Read(filepath.Join(directory, "absent")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(absent) = %v, want ErrNotExist", err)
	}

	corrupt := filepath.Join(directory, "corrupt")
	if err := os.WriteFile(corrupt, []byte{0xff, 0x00, 0x13}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(corrupt); err == nil {
		t.Error("Read(corrupt): expected error")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heartbeat")
	if _, live, err := Check(path, time.Minute, testNow); live || err != nil {
		t.Errorf("Check(absent) = %v, %v; want false, nil", live, err)
	}

	if err := Write(path, State{PID: 7, Updated: testNow}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	state, live, err := Check(path, time.Minute, testNow.Add(30*time.Second))
	if err != nil || !live || state.PID != 7 {
		t.Errorf("Check(recent) = %+v, %v, %v", state, live, err)
	}
	if _, live, err := Check(path, time.Minute, testNow.Add(2*time.Minute)); live || err != nil {
		t.Errorf("Check(stale) = %v, %v; want false, nil", live, err)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heartbeat")
	if err := Clear(path); err != nil {
		t.Errorf("Clear(absent): %v", err)
	}
	if err := Write(path, State{}); err != nil {
		t.Fatal(err)
	}
	if err := Clear(path); err != nil {
		t.Errorf("Clear: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("heartbeat still present after Clear: %v", err)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heartbeat")
	fakeClock := clock.Fake(testNow)
	var snapshots atomic.Int64

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, path, 5*time.Millisecond, fakeClock, slog.New(slog.DiscardHandler), func() State {
			snapshots.Add(1)
			return State{PID: 99, Counters: Counters{Completed: int(snapshots.Load())}}
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for snapshots.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat did not tick")
		}
		time.Sleep(time.Millisecond)
	}

	state, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if state.PID != 99 || !state.Updated.Equal(testNow) {
		t.Errorf("heartbeat = %+v, want PID 99 updated at fake now", state)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("heartbeat left behind after shutdown: %v", err)
	}
}
