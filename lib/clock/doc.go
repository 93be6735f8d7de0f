// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The coordinator stamps every fetch with start and finish times and
// the journal persists them. Production code uses Real(); tests use
// Fake() so that recorded timestamps and durations are exact:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	coordinator := materialize.New(materialize.Options{Clock: c, ...})
//	c.Advance(3 * time.Second)
package clock
