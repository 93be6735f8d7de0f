// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal persists fetch outcomes across mounts.
//
// The completion cache of a mount lives in memory. Without a journal,
// every restart would re-run nix copy once for every store entry the
// workload touches, even though the entries are already present in the
// backing directory. A [Journal] appends each outcome as it enters the
// cache and, on the next start, replays the recorded outcomes into the
// new cache.
//
// # File format
//
// The journal is a sequence of frames:
//
//	length   uint32, big endian, length of payload
//	checksum [32]byte, BLAKE3 keyed hash of payload
//	payload  CBOR-encoded Record
//
// A frame that is short or whose checksum does not match ends the
// replay: everything from that frame on is discarded. This covers the
// torn final write of a crashed process. When replay drops bytes or
// finds duplicate hashes, [Open] rewrites the file atomically with only
// the surviving records before appending to it.
package journal
