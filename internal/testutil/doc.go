// Package testutil provides shared test helpers: a concurrency-safe mock
// clock, a log capture buffer and OAuth2 token fixtures.
package testutil
