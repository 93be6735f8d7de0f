// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetcher

import "sync"

// defaultTailSize bounds the stderr retained per fetch. nix copy
// prints progress to stderr; only the final lines matter for errors.
const defaultTailSize = 64 * 1024

// tailBuffer is an io.Writer that keeps the last capacity bytes
// written to it. Older bytes are overwritten as new data arrives.
type tailBuffer struct {
	mutex         sync.Mutex
	data          []byte
	capacity      int
	writePosition int
	totalWritten  uint64
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write never fails and always consumes all of data.
func (tail *tailBuffer) Write(data []byte) (int, error) {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()

	written := len(data)
	if len(data) > tail.capacity {
		data = data[len(data)-tail.capacity:]
		tail.totalWritten += uint64(written - len(data))
	}
	for offset := 0; offset < len(data); {
		copyLength := min(len(data)-offset, tail.capacity-tail.writePosition)
		copy(tail.data[tail.writePosition:tail.writePosition+copyLength], data[offset:offset+copyLength])
		tail.writePosition = (tail.writePosition + copyLength) % tail.capacity
		offset += copyLength
	}
	tail.totalWritten += uint64(len(data))
	return written, nil
}

// Bytes returns the retained bytes, oldest first.
func (tail *tailBuffer) Bytes() []byte {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()

	if tail.totalWritten < uint64(tail.capacity) {
		return append([]byte(nil), tail.data[:tail.writePosition]...)
	}
	result := make([]byte, 0, tail.capacity)
	result = append(result, tail.data[tail.writePosition:]...)
	return append(result, tail.data[:tail.writePosition]...)
}

// Truncated reports whether bytes have been dropped.
func (tail *tailBuffer) Truncated() bool {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()
	return tail.totalWritten > uint64(tail.capacity)
}
