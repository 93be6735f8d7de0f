// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package materialize decides when a store entry has to be fetched and
// makes sure it is fetched at most once at a time.
//
// The central type is [Coordinator]. Every filesystem operation that
// touches a store entry calls [Coordinator.Resolve] (or the combined
// [Coordinator.PhysicalPath]) before it reaches the backing directory.
// Resolve returns immediately for entries already in the
// [CompletionCache]. Otherwise the first caller for a hash creates a
// fetch task and launches the [Fetcher] on its own goroutine; every
// later caller for the same hash attaches to that task and blocks on
// its completion channel. When the fetch finishes the outcome is
// recorded in the cache, the task is dropped, and all waiters are
// released together.
//
// A single mutex guards the in-flight map and the cache-or-create
// decision. It is never held while a fetch runs or while a caller
// waits, so fetches for different hashes proceed independently.
//
// # Outcomes and failure handling
//
// Each completed fetch produces an [Outcome]: Succeeded, or Failed
// with a [*FetchError] whose [FailureKind] distinguishes a launch
// failure, a copy tool that exited non-zero, and an isolation boundary
// that could not be set up.
//
// [FailurePolicy] decides whether failed hashes are cached
// ([MarkResolved], the default) or retried on the next access
// ([RetryFailures]). [Propagation] decides whether launch and
// execution failures reach the caller ([Strict]) or are only logged
// ([Lenient], the default); in lenient mode the caller proceeds and the
// subsequent filesystem operation fails with whatever the backing
// directory reports. Isolation setup failures are returned to the
// caller in both modes.
//
// The cache never evicts. Memory grows with the number of distinct
// store entries touched during the lifetime of the mount.
package materialize
