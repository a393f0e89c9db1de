// Package session keeps a client-held authentication session alive.
//
// A Coordinator polls the host's Provider on a fixed interval. When the
// session nears expiry it emits a one-time warning, and once it is inside
// the refresh threshold it refreshes through the Provider. Refreshes are
// collapsed so that at most one is in flight; concurrent callers share its
// outcome. Failed refreshes are retried a bounded number of times before
// the coordinator cools down and reports ErrReauthRequired.
//
// Coordinators in different processes (or tabs, or replicas) can share a
// Bus so that a logout or a refresh in one is observed by the others.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReauthRequired is returned when the retry ceiling was reached. The
	// host should start a fresh login instead of retrying.
	ErrReauthRequired = errors.New("session requires re-authentication")

	// ErrRefreshFailed wraps a failed host refresh.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrNoSession is returned when the provider has no current session.
	ErrNoSession = errors.New("no current session")

	// ErrClosed is returned by operations on a closed Coordinator.
	ErrClosed = errors.New("session coordinator closed")
)

// Session is the host's view of the current authentication session.
type Session struct {
	ID      string
	Subject string
	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time
}

// Provider is implemented by the host. CurrentSession returns ErrNoSession
// (or a nil session) when nobody is signed in. Refresh must honour ctx.
type Provider interface {
	CurrentSession(ctx context.Context) (*Session, error)
	Refresh(ctx context.Context) error
}

// FallbackRefresher is an optional Provider extension tried once when
// Refresh fails, for example a silent re-login with a long-lived credential.
type FallbackRefresher interface {
	RefreshFallback(ctx context.Context) error
}

// Status is a read-only snapshot derived on every health check.
type Status struct {
	Valid           bool
	ExpiresAt       time.Time
	TimeUntilExpiry time.Duration
	ExpiringSoon    bool
	NeedsRefresh    bool
	CanRefresh      bool
}

const (
	DefaultCheckInterval      = 5 * time.Minute
	DefaultWarnThreshold      = 10 * time.Minute
	DefaultRefreshThreshold   = 5 * time.Minute
	DefaultMinRefreshInterval = 30 * time.Second
	DefaultMaxRefreshAttempts = 3
	DefaultCooldown           = 5 * time.Minute
	DefaultRefreshTimeout     = 30 * time.Second
)

// Config holds coordinator timing.
type Config struct {
	// CheckInterval is the health check period
	CheckInterval time.Duration `koanf:"check_interval"`

	// WarnThreshold is the remaining lifetime below which a warning is emitted
	WarnThreshold time.Duration `koanf:"warn_threshold"`

	// RefreshThreshold is the remaining lifetime below which a refresh runs
	RefreshThreshold time.Duration `koanf:"refresh_threshold"`

	// MinRefreshInterval is the minimum spacing between refresh attempts.
	// Calls inside it succeed without contacting the host.
	MinRefreshInterval time.Duration `koanf:"min_refresh_interval"`

	// MaxRefreshAttempts is the number of consecutive failures allowed
	// before the coordinator cools down
	MaxRefreshAttempts int `koanf:"max_refresh_attempts"`

	// Cooldown is how long refreshes are refused after the ceiling is hit
	Cooldown time.Duration `koanf:"cooldown"`

	// RefreshTimeout bounds a single host refresh, fallback included
	RefreshTimeout time.Duration `koanf:"refresh_timeout"`
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = DefaultWarnThreshold
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.MinRefreshInterval < 0 {
		c.MinRefreshInterval = 0
	}
	if c.MaxRefreshAttempts <= 0 {
		c.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	c := Config{MinRefreshInterval: DefaultMinRefreshInterval}
	c.applyDefaults()
	return c
}

// Hooks receive lifecycle notifications. Every field is optional. Hooks run
// synchronously on the goroutine that observed the transition and are not
// called once the coordinator is closed. OnRefreshed and OnReauthRequired
// run after the in-flight refresh has settled, so they may call Refresh.
type Hooks struct {
	OnExpiryWarning  func(Status)
	OnRefreshed      func()
	OnReauthRequired func(error)
	OnSessionCleared func()
}
