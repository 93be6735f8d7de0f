// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by
// every on-disk format nixfs writes: the outcome journal and the
// status snapshot of a running mount.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical record always produces identical bytes, which is what
// lets the journal checksum a record's encoding rather than its
// fields.
//
//	data, err := codec.Marshal(record)
//	err = codec.Unmarshal(data, &record)
//
// Types serialized here carry `cbor` struct tags. Unknown fields are
// ignored on decode so that older binaries can read newer files.
package codec
