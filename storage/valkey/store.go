package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "guard:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "guard:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.CounterStore.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	now             func() time.Time
	instrumentation *instrumentation.Instrumentation
}

var _ storage.CounterStore = (*Store)(nil)

// New creates a new Valkey-backed counter store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey counter store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey counter store connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for window arithmetic.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables store operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

func (s *Store) counterKey(key string) string {
	return s.prefix + "counter:" + key
}

// Increment implements storage.CounterStore.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (count int, err error) {
	defer s.observe(ctx, "increment", time.Now(), &err)

	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive, got %s", window)
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrement).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(strconv.FormatInt(s.now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(window.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("%w: increment: %v", storage.ErrStoreUnavailable, err)
	}
	return int(n), nil
}

// Get implements storage.CounterStore.
func (s *Store) Get(ctx context.Context, key string) (rec storage.Record, found bool, err error) {
	defer s.observe(ctx, "get", time.Now(), &err)

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.counterKey(key)).Build()).AsStrMap()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return storage.Record{}, false, nil
		}
		return storage.Record{}, false, fmt.Errorf("%w: get: %v", storage.ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return storage.Record{}, false, nil
	}

	rec = storage.Record{
		Key:         key,
		Count:       int(parseInt(fields["count"])),
		WindowStart: fromMillis(parseInt(fields["start"])),
		Window:      time.Duration(parseInt(fields["window"])) * time.Millisecond,
		LockedUntil: fromMillis(parseInt(fields["locked"])),
	}
	return rec, true, nil
}

// Peek implements storage.CounterStore.
func (s *Store) Peek(ctx context.Context, key string) (int, error) {
	rec, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	if rec.Expired(s.now()) {
		return 0, nil
	}
	return rec.Count, nil
}

// Lock implements storage.CounterStore.
func (s *Store) Lock(ctx context.Context, key string, until time.Time) (lockedUntil time.Time, err error) {
	defer s.observe(ctx, "lock", time.Now(), &err)

	if key == "" {
		return time.Time{}, fmt.Errorf("key cannot be empty")
	}

	ms, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaLock).
			Numkeys(1).
			Key(s.counterKey(key)).
			Arg(strconv.FormatInt(s.now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(until.UnixMilli(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: lock: %v", storage.ErrStoreUnavailable, err)
	}
	return fromMillis(ms), nil
}

// Clear implements storage.CounterStore.
func (s *Store) Clear(ctx context.Context, key string) (err error) {
	defer s.observe(ctx, "clear", time.Now(), &err)

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.counterKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("%w: clear: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// EvictExpired implements storage.CounterStore. Key TTLs handle expiry.
func (s *Store) EvictExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (s *Store) observe(ctx context.Context, operation string, start time.Time, err *error) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if *err != nil {
		result = "error"
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStoreOperation(ctx, operation, result, durationMs)
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
