// Package storage defines the counter store used by the rate limiter and the
// threat pattern engine, together with the record type it manages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned when a backend cannot serve a request.
// Callers treat it as a collaborator failure and fail open.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Record is a single sliding-window counter.
// Window is the window length supplied by the most recent Increment and is
// used by Peek and by eviction to decide expiry.
type Record struct {
	Key         string
	Count       int
	WindowStart time.Time
	Window      time.Duration
	LockedUntil time.Time
}

// Expired reports whether the record's window has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.WindowStart) >= r.Window
}

// Locked reports whether a lock is active at now.
func (r Record) Locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// CounterStore is a keyed sliding-window counter with optional per-key locks.
//
// Implementations must make every mutating operation on a key atomic.
// Operations on different keys must not block each other.
// All methods accept context.Context for tracing and cancellation.
type CounterStore interface {
	// Increment adds one to the counter for key. When no record exists, or the
	// record is older than window, the record is reset to a count of 1 starting
	// now. An active lock survives the reset. Returns the post-increment count.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)

	// Get returns the raw record for key without mutating it.
	// The boolean is false when no record exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// Peek returns the current count for key, or 0 if the key is unknown or its
	// window has elapsed.
	Peek(ctx context.Context, key string) (int, error)

	// Lock extends the lock on key to until. A lock is never shortened.
	// Returns the effective lockedUntil after the call.
	Lock(ctx context.Context, key string, until time.Time) (time.Time, error)

	// Clear removes the record for key, including any lock.
	Clear(ctx context.Context, key string) error

	// EvictExpired removes records whose age exceeds both maxAge and their own
	// window and which hold no active lock. Returns the number removed.
	EvictExpired(ctx context.Context, maxAge time.Duration) (int, error)
}
