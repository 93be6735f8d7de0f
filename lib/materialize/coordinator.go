// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/nixfs/lib/clock"
	"github.com/bureau-foundation/nixfs/lib/nix"
)

// DefaultMaxConcurrentFetches is the number of fetches allowed to run
// at once when Options.MaxConcurrentFetches is zero.
const DefaultMaxConcurrentFetches = 10

// Fetcher materializes one store entry into the backing directory. A
// nil return means success. Returning a *FetchError selects the
// failure kind; any other error counts as an execution failure.
//
// Fetch runs on a goroutine owned by the Coordinator, never on a
// caller's goroutine, and is never called twice concurrently for the
// same hash.
type Fetcher interface {
	Fetch(ctx context.Context, hash nix.ContentHash) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, hash nix.ContentHash) error

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, hash nix.ContentHash) error {
	return f(ctx, hash)
}

// Recorder persists outcomes as they enter the cache. The journal
// package provides the durable implementation.
type Recorder interface {
	Record(outcome Outcome) error
}

// Options configures a Coordinator.
type Options struct {
	// Fetcher performs the fetches. Required.
	Fetcher Fetcher

	// Resolver classifies paths for PhysicalPath. If nil, a Resolver
	// with an empty backing root and the default store segment is
	// used, which is only useful for tests of Resolve.
	Resolver *nix.Resolver

	// Cache holds already resolved hashes, typically replayed from a
	// journal. If nil, an empty cache is created.
	Cache *CompletionCache

	// Recorder receives every outcome that enters the cache. Optional.
	// Record errors are logged, never returned to callers.
	Recorder Recorder

	// FailurePolicy decides whether failed hashes are cached.
	FailurePolicy FailurePolicy

	// Propagation decides which failures Resolve returns.
	Propagation Propagation

	// MaxConcurrentFetches bounds the number of fetches running at
	// once. Zero uses DefaultMaxConcurrentFetches; a negative value
	// removes the bound.
	MaxConcurrentFetches int

	// FetchTimeout bounds a single fetch. Zero means no timeout: a
	// hung copy tool blocks its waiters indefinitely.
	FetchTimeout time.Duration

	// Clock stamps outcomes. If nil, defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, an error-level
	// stderr logger is used.
	Logger *slog.Logger
}

// Stats is a point-in-time view of coordinator activity.
type Stats struct {
	// Launched counts fetches started.
	Launched int64

	// Succeeded and Failed count finished fetches.
	Succeeded int64
	Failed    int64

	// CacheHits counts Resolve calls answered from the cache.
	CacheHits int64

	// Waiters counts Resolve calls that attached to a fetch another
	// caller started.
	Waiters int64

	// InFlight is the number of fetches currently running or waiting
	// for a fetch slot.
	InFlight int

	// Completed is the number of hashes in the cache.
	Completed int
}

// task is one in-flight fetch. done is closed exactly once, after
// outcome has been written; readers must not touch outcome before
// done is closed.
type task struct {
	hash    nix.ContentHash
	done    chan struct{}
	outcome Outcome

	// waiters counts callers blocked on done, the creator included.
	// Guarded by Coordinator.mu.
	waiters int
}

// Coordinator ensures at most one fetch is in flight per hash and
// memoizes finished hashes. See the package documentation.
type Coordinator struct {
	fetcher       Fetcher
	resolver      *nix.Resolver
	cache         *CompletionCache
	recorder      Recorder
	failurePolicy FailurePolicy
	propagation   Propagation
	fetchTimeout  time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	// slots is a counting semaphore bounding concurrent fetches. Nil
	// when unbounded.
	slots chan struct{}

	// baseContext is the parent of every fetch context. Close cancels
	// it, killing running copy tools.
	baseContext context.Context
	cancel      context.CancelFunc
	running     sync.WaitGroup

	// mu guards inflight, closed, and the check-then-create sequence
	// in Resolve together with the cache insert in complete.
	mu       sync.Mutex
	inflight map[nix.ContentHash]*task
	closed   bool

	launched  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cacheHits atomic.Int64
	waiters   atomic.Int64
}

// New creates a Coordinator.
func New(options Options) (*Coordinator, error) {
	if options.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if options.Resolver == nil {
		options.Resolver = &nix.Resolver{}
	}
	if options.Cache == nil {
		options.Cache = NewCompletionCache()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if options.MaxConcurrentFetches == 0 {
		options.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	}
	if options.FetchTimeout < 0 {
		return nil, fmt.Errorf("fetch timeout must not be negative, got %v", options.FetchTimeout)
	}

	var slots chan struct{}
	if options.MaxConcurrentFetches > 0 {
		slots = make(chan struct{}, options.MaxConcurrentFetches)
	}

	baseContext, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:       options.Fetcher,
		resolver:      options.Resolver,
		cache:         options.Cache,
		recorder:      options.Recorder,
		failurePolicy: options.FailurePolicy,
		propagation:   options.Propagation,
		fetchTimeout:  options.FetchTimeout,
		clock:         options.Clock,
		logger:        options.Logger,
		slots:         slots,
		baseContext:   baseContext,
		cancel:        cancel,
		inflight:      make(map[nix.ContentHash]*task),
	}, nil
}

// Cache returns the coordinator's completion cache.
func (c *Coordinator) Cache() *CompletionCache {
	return c.cache
}

// Resolver returns the resolver used by PhysicalPath.
func (c *Coordinator) Resolver() *nix.Resolver {
	return c.resolver
}

// Resolve blocks until hash has been fetched, either by this call or
// by a concurrent one, and returns the outcome of that fetch. A hash
// already in the cache returns immediately without launching a fetch.
//
// The returned error follows the coordinator's Propagation; a nil
// error does not imply the fetch succeeded. If ctx is cancelled while
// waiting, Resolve returns ctx's error with a Pending outcome and the
// fetch keeps running for the remaining waiters.
func (c *Coordinator) Resolve(ctx context.Context, hash nix.ContentHash) (Outcome, error) {
	c.mu.Lock()
	if outcome, resolved := c.cache.Lookup(hash); resolved {
		c.mu.Unlock()
		c.cacheHits.Add(1)
		return outcome, c.propagation.propagate(outcome)
	}

	current, exists := c.inflight[hash]
	if exists {
		current.waiters++
	} else {
		if c.closed {
			c.mu.Unlock()
			return Outcome{Hash: hash, State: Pending}, fmt.Errorf("resolving %s: %w", hash, ErrClosed)
		}
		current = &task{hash: hash, done: make(chan struct{}), waiters: 1}
		c.inflight[hash] = current
		c.running.Add(1)
	}
	c.mu.Unlock()

	if exists {
		c.waiters.Add(1)
		c.logger.Debug("waiting for in-flight fetch", "hash", hash)
	} else {
		c.launched.Add(1)
		go c.run(current)
	}

	select {
	case <-current.done:
		return current.outcome, c.propagation.propagate(current.outcome)
	case <-ctx.Done():
		c.mu.Lock()
		current.waiters--
		c.mu.Unlock()
		return Outcome{Hash: hash, State: Pending}, fmt.Errorf("waiting for %s: %w", hash, ctx.Err())
	}
}

// PhysicalPath classifies virtual, resolves the store entry it refers
// to (if any), and returns the path under the backing root the
// operation should use. This is the single call the filesystem layer
// makes before every path translation.
func (c *Coordinator) PhysicalPath(ctx context.Context, virtual string) (string, error) {
	classification := c.resolver.Classify(virtual)
	if classification.IsStoreReference() {
		if _, err := c.Resolve(ctx, classification.Hash); err != nil {
			return "", err
		}
	}
	return c.resolver.PhysicalPath(virtual), nil
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.inflight)
	c.mu.Unlock()

	return Stats{
		Launched:  c.launched.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		CacheHits: c.cacheHits.Load(),
		Waiters:   c.waiters.Load(),
		InFlight:  inFlight,
		Completed: c.cache.Len(),
	}
}

// Close stops accepting new fetches, cancels running ones, and waits
// for their goroutines to finish. Waiters of cancelled fetches are
// released with a failed outcome, but that outcome is neither cached
// nor recorded. Cached hashes still resolve after Close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.running.Wait()
}

// run executes the fetch for t and completes it.
func (c *Coordinator) run(t *task) {
	defer c.running.Done()

	started := c.clock.Now()
	c.logger.Info("fetching store entry", "hash", t.hash)

	err := c.fetch(t.hash)

	outcome := Outcome{
		Hash:     t.hash,
		State:    Succeeded,
		Started:  started,
		Finished: c.clock.Now(),
	}
	interrupted := false
	if err != nil {
		outcome.State = Failed
		outcome.Err = asFetchError(t.hash, err)
		interrupted = c.baseContext.Err() != nil
	}

	c.complete(t, outcome, interrupted)
}

// fetch runs the fetcher inside a fetch slot, with the configured
// timeout, converting panics into launch failures so that waiters are
// always released.
func (c *Coordinator) fetch(hash nix.ContentHash) (err error) {
	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-c.baseContext.Done():
			return LaunchError(hash, fmt.Errorf("waiting for a fetch slot: %w", c.baseContext.Err()))
		}
	}

	ctx := c.baseContext
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err = LaunchError(hash, fmt.Errorf("fetcher panicked: %v", recovered))
		}
	}()

	err = c.fetcher.Fetch(ctx, hash)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var fetchErr *FetchError
		if !errors.As(err, &fetchErr) {
			err = ExecutionError(hash, -1, fmt.Errorf("timed out after %v: %w", c.fetchTimeout, err))
		}
	}
	return err
}

// complete publishes outcome: records it on the task, moves the hash
// into the cache (subject to the failure policy), drops the in-flight
// entry, and only then releases the waiters. Doing the cache insert
// and the in-flight delete under one lock hold means a concurrent
// Resolve sees either the task or the cache entry, never neither.
// An interrupted fetch releases its waiters but is never cached or
// recorded.
func (c *Coordinator) complete(t *task, outcome Outcome, interrupted bool) {
	cacheable := !interrupted &&
		(outcome.State == Succeeded || c.failurePolicy == MarkResolved)

	c.mu.Lock()
	t.outcome = outcome
	if cacheable {
		c.cache.Insert(t.hash, outcome)
	}
	delete(c.inflight, t.hash)
	waiters := t.waiters
	c.mu.Unlock()

	close(t.done)

	switch {
	case outcome.State == Succeeded:
		c.succeeded.Add(1)
		c.logger.Info("store entry materialized",
			"hash", t.hash,
			"duration", outcome.Duration(),
			"waiters", waiters,
		)
	case interrupted:
		c.failed.Add(1)
		c.logger.Warn("store entry fetch interrupted by shutdown",
			"hash", t.hash,
			"duration", outcome.Duration(),
			"waiters", waiters,
			"error", outcome.Err.Err,
		)
	default:
		c.failed.Add(1)
		c.logger.Error("store entry fetch failed",
			"hash", t.hash,
			"kind", outcome.Err.Kind.String(),
			"exit_code", outcome.Err.ExitCode,
			"duration", outcome.Duration(),
			"waiters", waiters,
			"retry", !cacheable,
			"error", outcome.Err.Err,
		)
	}

	if cacheable && c.recorder != nil {
		if err := c.recorder.Record(outcome); err != nil {
			c.logger.Warn("recording outcome failed", "hash", t.hash, "error", err)
		}
	}
}
