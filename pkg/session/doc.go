// Package session caches per-user agent sessions keyed by a derived session
// key. Each session bundles the authenticated Twitter client and the tool
// registry for one user, plus the rolling conversation history.
//
// Invariants:
// - At most one factory call runs per key at a time; concurrent acquires for
//   the same key share one initialization.
// - A failed factory call never leaves a cached entry behind, so the next
//   acquire retries from scratch.
// - Every acquire and touch pushes the idle deadline forward; sessions are
//   reaped only after the idle window elapses with no access.
package session
