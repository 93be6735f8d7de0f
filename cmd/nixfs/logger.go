// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger returns the daemon logger. When stderr is a terminal the
// output is human-readable text; otherwise (systemd, pipes, CI) it is
// JSON. NIXFS_DEBUG forces debug level.
func newLogger(level slog.Level) *slog.Logger {
	if os.Getenv("NIXFS_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return newLoggerTo(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

func newLoggerTo(w io.Writer, text bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
