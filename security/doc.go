// Package security provides the leaf building blocks shared by the guard
// components: a secure token source, the audit event model and its slog
// sink, a per-key token-bucket throttle, client address extraction and
// expiry helpers.
//
// # Token Source
//
// RandomHex and TokenSource read from crypto/rand. They never fall back to a
// weaker generator; a failing source returns ErrRandomUnavailable.
//
// # Auditing
//
// Every component reports through the Sink interface. Auditor is the default
// Sink and writes structured slog records with subject identifiers hashed
// (HashForLogging). Fanout combines several sinks, for example the Auditor
// and a durable store. Sink failures are logged by the caller and never
// propagated into request handling.
//
// # Throttle
//
// Throttle bounds how often a key may pass using golang.org/x/time/rate
// token buckets, with LRU eviction so memory stays bounded under
// distributed floods:
//
//	th := security.NewThrottle(1, 5, logger)
//	defer th.Stop()
//	if !th.Allow(patternID) {
//	    // suppressed
//	}
//
// # Client Addresses
//
// ClientAddress honours X-Forwarded-For only when trustProxy is set, and
// then only the entry directly in front of the trusted proxy chain.
package security
