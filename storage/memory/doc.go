// Package memory provides an in-memory implementation of storage.CounterStore.
//
// Each key has its own mutex, so read-modify-write on one key is atomic while
// operations on different keys never contend. Removal marks the entry deleted
// under its lock before unlinking it; an Increment racing with eviction sees
// the mark and retries against a fresh entry, so no increment is ever lost to
// a concurrent sweep.
//
// A background sweeper removes records whose window has elapsed and that hold
// no active lock. It never removes a record that is still inside its window.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	count, err := store.Increment(ctx, "login:ip:1.2.3.4", 15*time.Minute)
package memory
