// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"sort"
	"sync"

	"github.com/bureau-foundation/nixfs/lib/nix"
)

// CompletionCache records the hashes whose fetch has finished, with
// the outcome of that fetch. It only grows: an entry, once inserted,
// is never replaced or removed. Reads run concurrently; inserts are
// exclusive.
type CompletionCache struct {
	mu      sync.RWMutex
	entries map[nix.ContentHash]Outcome
}

// NewCompletionCache returns an empty cache.
func NewCompletionCache() *CompletionCache {
	return &CompletionCache{entries: make(map[nix.ContentHash]Outcome)}
}

// Contains reports whether hash has been resolved.
func (c *CompletionCache) Contains(hash nix.ContentHash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.entries[hash]
	return exists
}

// Lookup returns the recorded outcome for hash.
func (c *CompletionCache) Lookup(hash nix.ContentHash) (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	outcome, exists := c.entries[hash]
	return outcome, exists
}

// Insert records outcome for hash. The first outcome recorded for a
// hash wins; Insert returns false and leaves the cache unchanged when
// hash is already present.
func (c *CompletionCache) Insert(hash nix.ContentHash, outcome Outcome) bool {
	outcome.Hash = hash

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[hash]; exists {
		return false
	}
	c.entries[hash] = outcome
	return true
}

// Len returns the number of resolved hashes.
func (c *CompletionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns every recorded outcome, sorted by hash.
func (c *CompletionCache) Snapshot() []Outcome {
	c.mu.RLock()
	outcomes := make([]Outcome, 0, len(c.entries))
	for _, outcome := range c.entries {
		outcomes = append(outcomes, outcome)
	}
	c.mu.RUnlock()

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Hash < outcomes[j].Hash
	})
	return outcomes
}
