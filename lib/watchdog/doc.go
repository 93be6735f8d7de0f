// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog maintains the heartbeat file of a running mount.
//
// While mounted, nixfs rewrites a small [State] file at a fixed
// interval (see [Run]) with the mount's configuration and coordinator
// counters. Other processes, "nixfs status" among them, read it with
// [Check], which also tells a live mount apart from one that died
// without cleaning up: a heartbeat older than its maximum age is
// treated as absent. On clean shutdown the file is removed.
//
// The file is written atomically (temporary file, fsync, rename) so
// readers never see a partial state. It is CBOR-encoded with the
// shared codec configuration.
package watchdog
