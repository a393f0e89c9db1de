// Package storage defines the sliding-window counter store shared by the rate
// limiter and the threat pattern engine.
//
// Implementations are provided in subpackages:
//   - storage/memory: per-key locked in-memory store with an eviction sweeper
//   - storage/valkey: Valkey/Redis-compatible distributed store for multi-instance deployments
//   - storage/mock: scriptable fakes for unit tests
//
// storage/buntdb is not a counter store; it is a durable audit event sink.
package storage
