package guard

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/giantswarm/guard/csrf"
	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/limiter"
	"github.com/giantswarm/guard/session"
	"github.com/giantswarm/guard/threat"
)

const (
	// EnvPrefix selects the environment variables LoadConfig reads.
	// A double underscore separates nesting levels:
	// GUARD_LOCKOUT__MAX_ATTEMPTS=3 sets lockout.max_attempts.
	EnvPrefix = "GUARD_"

	// StorageMemory and StorageValkey are the accepted Storage.Backend values
	StorageMemory = "memory"
	StorageValkey = "valkey"

	// DefaultSweepInterval is how often the in-memory counter store evicts
	DefaultSweepInterval = time.Minute

	// DefaultTrustedProxyCount applies when TrustProxy is enabled without a count
	DefaultTrustedProxyCount = 1
)

// Config holds the guard configuration.
// Structured by component so each section can be handed to its package as is.
type Config struct {
	// Lockout configures the attempt limiter (max attempts, lockout duration, window)
	Lockout limiter.Config `koanf:"lockout"`

	// RateLimit configures the per-request check done by Middleware
	RateLimit RateLimitConfig `koanf:"rate_limit"`

	// CSRF configures the anti-forgery token registry
	CSRF csrf.Config `koanf:"csrf"`

	// Threat configures the pattern engine. An empty pattern list means the
	// built-in defaults.
	Threat threat.Config `koanf:"threat"`

	// Sweep configures eviction for the in-memory counter store
	Sweep SweepConfig `koanf:"sweep"`

	// Storage selects the counter store backend used by Open
	Storage StorageConfig `koanf:"storage"`

	// Audit configures where audit events go
	Audit AuditConfig `koanf:"audit"`

	// Instrumentation configures metrics and tracing
	Instrumentation InstrumentationConfig `koanf:"instrumentation"`

	// Session configures the session coordinator built by NewCoordinator
	Session session.Config `koanf:"session"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a reverse proxy you control.
	// Default: false
	TrustProxy bool `koanf:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of this service.
	// The client address is taken from just left of them in X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int `koanf:"trusted_proxy_count"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `koanf:"-"`
}

// RateLimitConfig holds the per-request threat check used by Middleware
type RateLimitConfig struct {
	// Disabled turns off the per-request check. Admission checks still run.
	Disabled bool `koanf:"disabled"`

	// RequestPattern is checked once per request, keyed by client address
	// and subject. Default: "rapid_api_calls"
	RequestPattern string `koanf:"request_pattern"`
}

// SweepConfig holds eviction settings for the in-memory counter store
type SweepConfig struct {
	// Interval is how often expired counters are evicted. Default: 1 minute
	Interval time.Duration `koanf:"interval"`

	// MaxAge keeps expired counters around at least this long. Records with
	// an active lock are never evicted.
	MaxAge time.Duration `koanf:"max_age"`
}

// StorageConfig selects and configures the counter store backend
type StorageConfig struct {
	// Backend is "memory" (default) or "valkey"
	Backend string `koanf:"backend"`

	// Valkey connection settings, used when Backend is "valkey"
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// AuditConfig controls audit event delivery
type AuditConfig struct {
	// Disabled turns off the structured log sink
	Disabled bool `koanf:"disabled"`

	// Path enables the durable buntdb sink when set (":memory:" for tests)
	Path string `koanf:"path"`

	// Retention is how long durable events are kept. Default: 30 days
	Retention time.Duration `koanf:"retention"`

	// EncryptionKey is a base64 encoded 32 byte key sealing durable events
	EncryptionKey string `koanf:"encryption_key"`

	// EventsPerSecond and Burst throttle log records per event type and
	// source address. Zero disables throttling.
	EventsPerSecond float64 `koanf:"events_per_second"`
	Burst           int     `koanf:"burst"`
}

// InstrumentationConfig mirrors instrumentation.Config for file based loading
type InstrumentationConfig struct {
	Enabled         bool   `koanf:"enabled"`
	ServiceName     string `koanf:"service_name"`
	ServiceVersion  string `koanf:"service_version"`
	MetricsExporter string `koanf:"metrics_exporter"`

	// LogClientIPs attaches source addresses to spans.
	// Source addresses may be PII; leave false unless required.
	LogClientIPs bool `koanf:"log_client_ips"`
}

// toInstrumentation converts the file representation
func (c InstrumentationConfig) toInstrumentation() instrumentation.Config {
	return instrumentation.Config{
		Enabled:         c.Enabled,
		ServiceName:     c.ServiceName,
		ServiceVersion:  c.ServiceVersion,
		MetricsExporter: c.MetricsExporter,
		LogClientIPs:    c.LogClientIPs,
	}
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	cfg := &Config{
		Threat:  threat.DefaultConfig(),
		Session: session.DefaultConfig(),
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values. Component packages apply their own
// defaults too; the ones here are what Guard itself needs.
func applyDefaults(c *Config) {
	if c.Lockout.MaxAttempts <= 0 {
		c.Lockout.MaxAttempts = limiter.DefaultMaxAttempts
	}
	if c.Lockout.LockoutDuration <= 0 {
		c.Lockout.LockoutDuration = limiter.DefaultLockoutDuration
	}
	if c.Lockout.AttemptWindow <= 0 {
		c.Lockout.AttemptWindow = limiter.DefaultAttemptWindow
	}
	if c.RateLimit.RequestPattern == "" {
		c.RateLimit.RequestPattern = threat.PatternRapidAPICalls
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = DefaultSweepInterval
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = DefaultTrustedProxyCount
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig
func (c *Config) Validate() error {
	switch {
	case c.Lockout.MaxAttempts < 0:
		return invalidConfig("lockout.max_attempts", "must not be negative")
	case c.Lockout.LockoutDuration < 0:
		return invalidConfig("lockout.duration", "must not be negative")
	case c.Lockout.AttemptWindow < 0:
		return invalidConfig("lockout.window", "must not be negative")
	case c.CSRF.TokenExpiry < 0:
		return invalidConfig("csrf.token_expiry", "must not be negative")
	case c.CSRF.MaxTokens < 0:
		return invalidConfig("csrf.max_tokens", "must not be negative")
	case c.Threat.BlockTTL < 0:
		return invalidConfig("threat.block_ttl", "must not be negative")
	case c.Threat.ChallengeTTL < 0:
		return invalidConfig("threat.challenge_ttl", "must not be negative")
	case c.TrustedProxyCount < 0:
		return invalidConfig("trusted_proxy_count", "must not be negative")
	case c.Audit.Retention < 0:
		return invalidConfig("audit.retention", "must not be negative")
	case c.Audit.EventsPerSecond < 0:
		return invalidConfig("audit.events_per_second", "must not be negative")
	}

	switch c.Storage.Backend {
	case "", StorageMemory:
	case StorageValkey:
		if c.Storage.Address == "" {
			return invalidConfig("storage.address", "is required for the valkey backend")
		}
	default:
		return invalidConfig("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}

	switch c.Instrumentation.MetricsExporter {
	case "", instrumentation.ExporterNone, instrumentation.ExporterPrometheus:
	default:
		return invalidConfig("instrumentation.metrics_exporter",
			fmt.Sprintf("unknown exporter %q", c.Instrumentation.MetricsExporter))
	}

	for i, p := range c.Threat.Patterns {
		if err := p.Validate(); err != nil {
			return invalidConfig(fmt.Sprintf("threat.patterns[%d]", i), err.Error())
		}
	}

	return nil
}

// LoadConfig reads a YAML file (optional, pass "" to skip) and then
// GUARD_ prefixed environment variables on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	return configFromKoanf(k)
}

// envKey maps GUARD_LOCKOUT__MAX_ATTEMPTS to lockout.max_attempts
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func configFromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := DefaultConfig()

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Patterns go through LoadPatterns so an omitted "enabled" means true.
	if k.Exists("threat.patterns") {
		patterns, err := threat.LoadPatterns(k, "threat.patterns")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Threat.Patterns = patterns
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// warnInsecure logs settings that weaken protection
func warnInsecure(c *Config, logger *slog.Logger) {
	if c.TrustProxy {
		logger.Warn("SECURITY WARNING: proxy headers are trusted",
			"trusted_proxy_count", c.TrustedProxyCount,
			"risk", "Clients can spoof their address if no trusted proxy strips X-Forwarded-For",
			"recommendation", "Enable only behind a reverse proxy you control")
	}
	if c.Threat.FailClosed {
		logger.Info("Threat engine fails closed for unknown patterns")
	}
	if c.Threat.BlockTTL == 0 {
		logger.Warn("Blocked addresses never expire",
			"recommendation", "Set threat.block_ttl or release addresses with Unblock")
	}
	if c.Audit.Disabled && c.Audit.Path == "" {
		logger.Warn("SECURITY WARNING: audit logging is DISABLED",
			"risk", "Threat detections and lockouts leave no trace")
	}
}
