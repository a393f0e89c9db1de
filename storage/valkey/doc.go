// Package valkey provides a Valkey-backed storage.CounterStore.
//
// Valkey is wire-compatible with Redis. Using it lets every instance of a
// horizontally scaled service share rate-limit, lockout and threat counters.
//
// # Key Schema
//
// All keys use a configurable prefix (default "guard:"):
//
//	{prefix}counter:{key} -> HASH{start, count, window, locked}
//
// Times are stored as Unix milliseconds taken from the caller's clock.
//
// # Atomic Operations
//
// Increment and Lock run as Lua scripts so the read-modify-write for a key
// executes atomically on the server. Different keys never contend.
//
// # Expiry
//
// Each hash carries a PEXPIRE of whichever is later: the end of its window or
// the end of its lock. Valkey reclaims expired counters itself, so
// EvictExpired is a no-op for this backend.
//
// # Testing
//
// Tests connect to VALKEY_TEST_ADDR (default localhost:6379) and are skipped
// when no server is reachable.
package valkey
