// Package csrf issues and validates short-lived anti-forgery tokens.
//
// Tokens are 32 random bytes, hex-encoded. Only a blake2b digest of each
// token is kept in memory, so a heap dump does not leak usable tokens.
// Validation is repeatable until expiry; Consume offers single-use checks.
// Expired tokens are removed lazily on lookup and by a periodic sweep.
package csrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/internal/util"
	"github.com/giantswarm/guard/security"
)

const (
	// DefaultTokenExpiry is how long an issued token stays valid
	DefaultTokenExpiry = time.Hour

	// DefaultMaxTokens bounds the number of outstanding tokens
	DefaultMaxTokens = 10000

	// DefaultSweepInterval is how often expired tokens are swept
	DefaultSweepInterval = time.Minute

	logPrefixLen = 8
)

// Config holds CSRF registry configuration.
type Config struct {
	TokenExpiry   time.Duration `koanf:"token_expiry"`
	MaxTokens     int           `koanf:"max_tokens"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

func (c *Config) applyDefaults() {
	if c.TokenExpiry <= 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// ErrRegistryFull is returned by Issue when MaxTokens unexpired tokens are
// outstanding. Unexpired tokens are never evicted to make room.
var ErrRegistryFull = errors.New("csrf token registry full")

type digest [blake2b.Size256]byte

func hashToken(token string) digest {
	return blake2b.Sum256([]byte(token))
}

// Registry is the CSRF token registry. It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	tokens map[digest]time.Time // digest -> expiresAt

	config          Config
	source          *security.TokenSource
	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	stop      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates a registry. The sweeper starts with the first Issue, so the
// Set* methods must be called before then. Call Stop to release it.
func New(config Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	r := &Registry{
		tokens: make(map[digest]time.Time),
		config: config,
		now:    time.Now,
		logger: logger,
		stop:   make(chan struct{}),
	}

	return r
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetTokenSource replaces the random source. Nil selects crypto/rand.
func (r *Registry) SetTokenSource(source *security.TokenSource) {
	r.source = source
}

// SetInstrumentation enables CSRF metrics and the guard.csrf.tokens gauge.
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterGaugeCallbacks(nil, nil, func() int64 { return int64(r.Len()) }); err != nil {
		r.logger.Warn("Failed to register CSRF token gauge", "error", err)
	}
}

// Issue generates and stores a new token expiring after TokenExpiry.
// It returns ErrRegistryFull when MaxTokens unexpired tokens are outstanding
// and security.ErrRandomUnavailable when the random source fails.
func (r *Registry) Issue(ctx context.Context) (string, error) {
	r.startOnce.Do(func() { go r.sweepLoop() })

	token, err := r.source.Hex(security.DefaultTokenBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}

	now := r.now()
	expiresAt := now.Add(r.config.TokenExpiry)

	r.mu.Lock()
	if len(r.tokens) >= r.config.MaxTokens && !r.makeRoomLocked(now) {
		r.mu.Unlock()
		r.logger.Warn("CSRF token registry full, refusing to issue",
			"max_tokens", r.config.MaxTokens)
		return "", ErrRegistryFull
	}
	r.tokens[hashToken(token)] = expiresAt
	r.mu.Unlock()

	r.instrumentation.Metrics().RecordCSRFIssued(ctx)

	return token, nil
}

// makeRoomLocked drops expired tokens and reports whether that freed a slot.
// Caller holds r.mu.
func (r *Registry) makeRoomLocked(now time.Time) bool {
	if removed := r.sweepLocked(now); removed > 0 {
		r.logger.Debug("CSRF registry at capacity, swept expired tokens", "removed", removed)
	}
	return len(r.tokens) < r.config.MaxTokens
}

// Validate reports whether token was issued and has not expired.
// An expired token is deleted as a side effect.
func (r *Registry) Validate(ctx context.Context, token string) bool {
	return r.check(ctx, token, false)
}

// Consume validates token and removes it, so it validates at most once.
func (r *Registry) Consume(ctx context.Context, token string) bool {
	return r.check(ctx, token, true)
}

func (r *Registry) check(ctx context.Context, token string, consume bool) bool {
	if token == "" {
		r.instrumentation.Metrics().RecordCSRFValidation(ctx, "invalid")
		return false
	}

	d := hashToken(token)
	now := r.now()

	r.mu.Lock()
	expiresAt, ok := r.tokens[d]
	expired := ok && !now.Before(expiresAt)
	if expired || (ok && consume) {
		delete(r.tokens, d)
	}
	r.mu.Unlock()

	switch {
	case !ok:
		r.instrumentation.Metrics().RecordCSRFValidation(ctx, "invalid")
		r.logger.Debug("CSRF token not recognised",
			"token_prefix", util.SafeTruncate(token, logPrefixLen))
		return false
	case expired:
		r.instrumentation.Metrics().RecordCSRFValidation(ctx, "expired")
		r.logger.Debug("CSRF token expired",
			"token_prefix", util.SafeTruncate(token, logPrefixLen),
			"expired_at", expiresAt)
		return false
	default:
		r.instrumentation.Metrics().RecordCSRFValidation(ctx, "valid")
		return true
	}
}

// Revoke removes token if present.
func (r *Registry) Revoke(token string) {
	d := hashToken(token)
	r.mu.Lock()
	delete(r.tokens, d)
	r.mu.Unlock()
}

// Len returns the number of stored tokens, including expired ones not yet swept.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Sweep removes every expired token and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for d, exp := range r.tokens {
		if !now.Before(exp) {
			delete(r.tokens, d)
			removed++
		}
	}
	return removed
}

// Stop stops the sweeper. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Debug("CSRF sweep completed",
					"removed", removed,
					"remaining", r.Len())
			}
		}
	}
}
