package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/storage"
)

const (
	// DefaultSweepInterval is how often expired records are swept
	DefaultSweepInterval = time.Minute
)

type entry struct {
	mu      sync.Mutex
	rec     storage.Record
	deleted bool
}

// Store is an in-memory storage.CounterStore.
type Store struct {
	entries sync.Map // key -> *entry
	size    atomic.Int64

	now    func() time.Time
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	sweepInterval time.Duration
	sweepMaxAge   time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	startOnce     sync.Once

	sweeps    atomic.Int64
	evictions atomic.Int64
	locks     atomic.Int64
}

var _ storage.CounterStore = (*Store)(nil)

// New creates a store sweeping every minute.
func New() *Store {
	return NewWithInterval(DefaultSweepInterval, 0)
}

// NewWithInterval creates a store with a custom sweep interval. maxAge is
// passed to EvictExpired on every sweep; records are only removed once they
// are older than both maxAge and their own window.
// If sweepInterval is 0 or negative, the default of 1 minute is used.
//
// The sweeper starts with the first Increment or Lock, so the Set* methods
// must be called before the store is first written.
func NewWithInterval(sweepInterval, maxAge time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &Store{
		now:           time.Now,
		logger:        slog.Default(),
		sweepInterval: sweepInterval,
		sweepMaxAge:   maxAge,
		stop:          make(chan struct{}),
	}

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source. Call before the store is shared.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables tracing, operation metrics and the
// guard.counter.entries gauge.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	err := inst.RegisterGaugeCallbacks(
		func() int64 { return s.size.Load() },
		nil,
		nil,
	)
	if err != nil {
		s.logger.Warn("Failed to register counter store gauge", "error", err)
	}
}

func (s *Store) startSweeper() {
	s.startOnce.Do(func() { go s.sweepLoop() })
}

// Stop stops the sweeper. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// acquire returns the locked live entry for key, creating it if needed.
func (s *Store) acquire(key string) *entry {
	for {
		v, ok := s.entries.Load(key)
		if !ok {
			var loaded bool
			v, loaded = s.entries.LoadOrStore(key, &entry{})
			if !loaded {
				s.size.Add(1)
			}
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		// Lost a race with removal; the key is gone or replaced.
		e.mu.Unlock()
	}
}

// removeLocked unlinks e. Caller holds e.mu.
func (s *Store) removeLocked(key string, e *entry) {
	e.deleted = true
	if s.entries.CompareAndDelete(key, e) {
		s.size.Add(-1)
	}
}

// Increment implements storage.CounterStore.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (count int, err error) {
	ctx, span := s.startStorageSpan(ctx, "increment")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "increment", err, startTime)
	}()

	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	if window <= 0 {
		return 0, fmt.Errorf("window must be positive, got %s", window)
	}

	s.startSweeper()
	e := s.acquire(key)
	defer e.mu.Unlock()

	now := s.now()
	if e.rec.Count == 0 || e.rec.Expired(now) {
		e.rec.Key = key
		e.rec.Count = 1
		e.rec.WindowStart = now
	} else {
		e.rec.Count++
	}
	e.rec.Window = window

	return e.rec.Count, nil
}

// Get implements storage.CounterStore.
func (s *Store) Get(ctx context.Context, key string) (storage.Record, bool, error) {
	v, ok := s.entries.Load(key)
	if !ok {
		return storage.Record{}, false, nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return storage.Record{}, false, nil
	}
	return e.rec, true, nil
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

// Lock implements storage.CounterStore. A lock time that is not in the future
// leaves the record unchanged.
func (s *Store) Lock(ctx context.Context, key string, until time.Time) (lockedUntil time.Time, err error) {
	ctx, span := s.startStorageSpan(ctx, "lock")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "lock", err, startTime)
	}()

	if key == "" {
		return time.Time{}, fmt.Errorf("key cannot be empty")
	}

	s.startSweeper()
	e := s.acquire(key)
	defer e.mu.Unlock()

	now := s.now()
	if e.rec.Key == "" {
		e.rec.Key = key
		e.rec.WindowStart = now
	}
	if until.After(now) && until.After(e.rec.LockedUntil) {
		e.rec.LockedUntil = until
		s.locks.Add(1)
	}
	return e.rec.LockedUntil, nil
}

// Clear implements storage.CounterStore.
func (s *Store) Clear(ctx context.Context, key string) error {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	if !e.deleted {
		s.removeLocked(key, e)
	}
	e.mu.Unlock()
	return nil
}

// EvictExpired implements storage.CounterStore.
func (s *Store) EvictExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	removed := 0

	s.entries.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		key := k.(string)
		e := v.(*entry)

		e.mu.Lock()
		if !e.deleted &&
			now.Sub(e.rec.WindowStart) >= maxAge &&
			e.rec.Expired(now) &&
			!e.rec.Locked(now) {
			s.removeLocked(key, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})

	s.evictions.Add(int64(removed))
	return removed, ctx.Err()
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	removed, err := s.EvictExpired(context.Background(), s.sweepMaxAge)
	s.sweeps.Add(1)
	if err != nil {
		// Retried on the next tick.
		s.logger.Error("Counter sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Debug("Counter sweep completed",
			"removed", removed,
			"remaining", s.size.Load())
	}
}

// Stats holds counter store statistics for monitoring
type Stats struct {
	Entries   int64
	Sweeps    int64
	Evictions int64
	Locks     int64
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:   s.size.Load(),
		Sweeps:    s.sweeps.Load(),
		Evictions: s.evictions.Load(),
		Locks:     s.locks.Load(),
	}
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// Non-recording span; ending it must not end the caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStoreOperation(ctx, operation, result, durationMs)
}
