// Package cache provides the partitioned response cache used around backend
// dispatch.
//
// Entries are addressed by a (key, partition) pair: the key is the request
// fingerprint and the partition is the resolved model id. The model is
// already part of the fingerprint, so cross-partition collisions cannot
// happen in practice — requiring the partition on every call is defense in
// depth, and it keeps one model's entries grouped for operational tooling.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
// All backends degrade gracefully: a store failure is never surfaced to the
// caller — Get reports a miss and Set is a no-op. The gateway must never
// fail a user-visible request because the cache is unavailable.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is the entry lifetime applied when callers pass a non-positive TTL.
const DefaultTTL = time.Hour

type Cache interface {
	// Get returns the cached response for (key, partition).
	// The second return value is false on a miss, an expired entry,
	// or any backend failure.
	Get(ctx context.Context, key, partition string) ([]byte, bool)

	// Set stores value under (key, partition) for the duration of ttl.
	// Backend failures are logged and swallowed; Set never fails a request.
	Set(ctx context.Context, key, partition string, value []byte, ttl time.Duration) error

	// Delete removes (key, partition). Backends return the underlying error
	// so operational tooling can decide how to handle it.
	Delete(ctx context.Context, key, partition string) error
}

// entryKey builds the storage key for a (key, partition) pair.
func entryKey(key, partition string) string {
	if partition == "" {
		partition = "default"
	}
	return "cache:" + partition + ":" + key
}
