// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/nixfs/lib/codec"
)

const (
	lengthSize   = 4
	checksumSize = 32
	headerSize   = lengthSize + checksumSize

	// maxPayloadSize bounds a single record. Records are a few hundred
	// bytes; anything near this is a corrupt length field.
	maxPayloadSize = 1 << 20
)

// checksumKey is the BLAKE3 key for record checksums: the ASCII domain
// name zero-padded to 32 bytes.
var checksumKey = [32]byte{
	'n', 'i', 'x', 'f', 's', '.', 'j', 'o', 'u', 'r', 'n', 'a', 'l', '.',
	'r', 'e', 'c', 'o', 'r', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var errCorruptFrame = errors.New("corrupt journal frame")

func checksum(payload []byte) [checksumSize]byte {
	hasher, err := blake3.NewKeyed(checksumKey[:])
	if err != nil {
		panic("journal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var sum [checksumSize]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// encodeFrame returns the framed encoding of record.
func encodeFrame(record Record) ([]byte, error) {
	payload, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record for %s: %w", record.Hash, err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("record for %s is %d bytes, limit is %d", record.Hash, len(payload), maxPayloadSize)
	}

	frame := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthSize], uint32(len(payload)))
	sum := checksum(payload)
	copy(frame[lengthSize:headerSize], sum[:])
	return append(frame, payload...), nil
}

// decodeFrame decodes the frame at the start of data and returns the
// record and the number of bytes consumed.
func decodeFrame(data []byte) (Record, int, error) {
	if len(data) < headerSize {
		return Record{}, 0, fmt.Errorf("%w: %d header bytes, need %d", errCorruptFrame, len(data), headerSize)
	}
	length := binary.BigEndian.Uint32(data[:lengthSize])
	if length > maxPayloadSize {
		return Record{}, 0, fmt.Errorf("%w: payload length %d exceeds limit", errCorruptFrame, length)
	}
	end := headerSize + int(length)
	if len(data) < end {
		return Record{}, 0, fmt.Errorf("%w: payload truncated at %d of %d bytes", errCorruptFrame, len(data)-headerSize, length)
	}

	payload := data[headerSize:end]
	sum := checksum(payload)
	if !bytes.Equal(sum[:], data[lengthSize:headerSize]) {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}

	var record Record
	if err := codec.Unmarshal(payload, &record); err != nil {
		return Record{}, 0, fmt.Errorf("%w: %v", errCorruptFrame, err)
	}
	return record, end, nil
}
