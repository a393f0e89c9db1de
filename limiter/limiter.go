// Package limiter implements attempt rate limiting and account lockout on
// top of a storage.CounterStore.
//
// Every identifier (for example "login:ip:1.2.3.4") owns one counter. Failed
// attempts are recorded against a fixed window; reaching MaxAttempts locks
// the identifier for LockoutDuration. A lock is never shortened, and a
// locked identifier is limited regardless of its raw count.
//
// Store failures are logged and treated as "not limited" so that an outage
// of a shared backend degrades to no limiting instead of denying everyone.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/storage"
)

const (
	// DefaultMaxAttempts is the attempt count that triggers a lockout
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a lockout lasts
	DefaultLockoutDuration = 15 * time.Minute

	// DefaultAttemptWindow is the fixed window attempts are counted in
	DefaultAttemptWindow = 15 * time.Minute

	keyNamespace = "limit:"
)

// Config holds lockout configuration.
type Config struct {
	// MaxAttempts is the post-increment count at which an identifier is locked
	MaxAttempts int `koanf:"max_attempts"`

	// LockoutDuration is how long the lock lasts once applied
	LockoutDuration time.Duration `koanf:"duration"`

	// AttemptWindow is the window RecordAttempt counts within
	AttemptWindow time.Duration `koanf:"window"`
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
}

// Attempt is the outcome of RecordAttempt.
type Attempt struct {
	// Count is the post-increment attempt count (0 if the store failed)
	Count int

	// LockedUntil is the effective lock expiry; zero when not locked
	LockedUntil time.Time
}

// Locked reports whether the attempt left the identifier locked.
func (a Attempt) Locked() bool {
	return !a.LockedUntil.IsZero()
}

// Limiter is the rate limiter and lockout guard.
type Limiter struct {
	store           storage.CounterStore
	config          Config
	logger          *slog.Logger
	now             func() time.Time
	sink            security.Sink
	instrumentation *instrumentation.Instrumentation
}

// New creates a limiter over store. Zero config fields take defaults.
func New(store storage.CounterStore, config Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// SetClock replaces the time source. Use the same clock as the store.
func (l *Limiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// SetAuditSink sets where lockout events are recorded.
func (l *Limiter) SetAuditSink(sink security.Sink) {
	l.sink = sink
}

// SetInstrumentation enables rate limit and lockout metrics.
func (l *Limiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.instrumentation = inst
}

func key(identifier string) string {
	return keyNamespace + identifier
}

// IsLimited reports whether identifier has at least maxAttempts attempts in
// the current window (without counting this call), or is locked.
func (l *Limiter) IsLimited(ctx context.Context, identifier string, maxAttempts int, window time.Duration) bool {
	rec, ok, err := l.store.Get(ctx, key(identifier))
	if err != nil {
		l.logger.Error("Rate limit lookup failed, allowing request",
			"identifier_hash", security.HashForLogging(identifier),
			"error", err)
		return false
	}
	if !ok {
		return false
	}

	now := l.now()
	limited := rec.Locked(now) ||
		(now.Sub(rec.WindowStart) < window && rec.Count >= maxAttempts)

	if limited {
		l.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "attempts")
	}
	return limited
}

// RecordAttempt counts one attempt for identifier. When the count reaches
// MaxAttempts the identifier is locked until now+LockoutDuration. Further
// attempts while locked keep counting and may extend, but never shorten,
// the lock.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string) Attempt {
	k := key(identifier)

	count, err := l.store.Increment(ctx, k, l.config.AttemptWindow)
	if err != nil {
		l.logger.Error("Failed to record attempt",
			"identifier_hash", security.HashForLogging(identifier),
			"error", err)
		return Attempt{}
	}

	if count < l.config.MaxAttempts {
		locked, _ := l.lockedUntil(ctx, k)
		return Attempt{Count: count, LockedUntil: locked}
	}

	until, err := l.store.Lock(ctx, k, l.now().Add(l.config.LockoutDuration))
	if err != nil {
		l.logger.Error("Failed to apply lockout",
			"identifier_hash", security.HashForLogging(identifier),
			"error", err)
		return Attempt{Count: count}
	}

	if count == l.config.MaxAttempts {
		l.instrumentation.Metrics().RecordLockout(ctx)
		l.logger.Warn("Lockout activated",
			"identifier_hash", security.HashForLogging(identifier),
			"attempts", count,
			"locked_until", until)
		l.audit(ctx, security.Event{
			Type:      security.EventLockoutActivated,
			SubjectID: identifier,
			Severity:  "high",
			Details: map[string]any{
				"attempts":     count,
				"locked_until": until,
			},
		})
	}

	return Attempt{Count: count, LockedUntil: until}
}

// IsLocked reports whether identifier is locked now.
func (l *Limiter) IsLocked(ctx context.Context, identifier string) bool {
	until, err := l.lockedUntil(ctx, key(identifier))
	if err != nil {
		l.logger.Error("Lockout lookup failed, treating as unlocked",
			"identifier_hash", security.HashForLogging(identifier),
			"error", err)
		return false
	}
	return !until.IsZero()
}

// LockedUntil returns the active lock expiry, or zero when not locked.
func (l *Limiter) LockedUntil(ctx context.Context, identifier string) time.Time {
	until, _ := l.lockedUntil(ctx, key(identifier))
	return until
}

func (l *Limiter) lockedUntil(ctx context.Context, k string) (time.Time, error) {
	rec, ok, err := l.store.Get(ctx, k)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read lock state: %w", err)
	}
	if !ok || !rec.Locked(l.now()) {
		return time.Time{}, nil
	}
	return rec.LockedUntil, nil
}

// Clear forgets all attempts and any lock for identifier, typically after a
// successful authentication.
func (l *Limiter) Clear(ctx context.Context, identifier string) error {
	if err := l.store.Clear(ctx, key(identifier)); err != nil {
		return fmt.Errorf("failed to clear limit for identifier: %w", err)
	}
	l.audit(ctx, security.Event{
		Type:      security.EventLockoutCleared,
		SubjectID: identifier,
	})
	return nil
}

func (l *Limiter) audit(ctx context.Context, event security.Event) {
	if l.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if err := l.sink.Record(ctx, event); err != nil {
		l.instrumentation.Metrics().RecordAuditSinkError(ctx)
		l.logger.Error("Audit sink failed", "event_type", event.Type, "error", err)
	}
}
