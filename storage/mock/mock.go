// Package mock provides mock implementations of the storage and audit
// interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/storage"
)

// CounterStore is a mock storage.CounterStore. The default Func fields keep
// a simple map with real window semantics; override any of them to inject
// failures or latency.
type CounterStore struct {
	mu      sync.Mutex
	records map[string]storage.Record
	calls   map[string]int

	// Now is the clock used by the default implementations.
	Now func() time.Time

	IncrementFunc    func(ctx context.Context, key string, window time.Duration) (int, error)
	GetFunc          func(ctx context.Context, key string) (storage.Record, bool, error)
	PeekFunc         func(ctx context.Context, key string) (int, error)
	LockFunc         func(ctx context.Context, key string, until time.Time) (time.Time, error)
	ClearFunc        func(ctx context.Context, key string) error
	EvictExpiredFunc func(ctx context.Context, maxAge time.Duration) (int, error)
}

var _ storage.CounterStore = (*CounterStore)(nil)

// NewCounterStore creates a new mock counter store
func NewCounterStore() *CounterStore {
	m := &CounterStore{
		records: make(map[string]storage.Record),
		calls:   make(map[string]int),
		Now:     time.Now,
	}

	m.IncrementFunc = func(_ context.Context, key string, window time.Duration) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.Now()
		rec := m.records[key]
		if rec.Count == 0 || now.Sub(rec.WindowStart) >= rec.Window {
			rec.Key = key
			rec.Count = 1
			rec.WindowStart = now
		} else {
			rec.Count++
		}
		rec.Window = window
		m.records[key] = rec
		return rec.Count, nil
	}

	m.GetFunc = func(_ context.Context, key string) (storage.Record, bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rec, ok := m.records[key]
		return rec, ok, nil
	}

	m.PeekFunc = func(ctx context.Context, key string) (int, error) {
		rec, ok, err := m.GetFunc(ctx, key)
		if err != nil || !ok || rec.Expired(m.Now()) {
			return 0, err
		}
		return rec.Count, nil
	}

	m.LockFunc = func(_ context.Context, key string, until time.Time) (time.Time, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		rec := m.records[key]
		rec.Key = key
		if until.After(m.Now()) && until.After(rec.LockedUntil) {
			rec.LockedUntil = until
		}
		m.records[key] = rec
		return rec.LockedUntil, nil
	}

	m.ClearFunc = func(_ context.Context, key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.records, key)
		return nil
	}

	m.EvictExpiredFunc = func(_ context.Context, _ time.Duration) (int, error) {
		return 0, nil
	}

	return m
}

func (m *CounterStore) record(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *CounterStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Increment implements storage.CounterStore.
func (m *CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	m.record("Increment")
	return m.IncrementFunc(ctx, key, window)
}

// Get implements storage.CounterStore.
func (m *CounterStore) Get(ctx context.Context, key string) (storage.Record, bool, error) {
	m.record("Get")
	return m.GetFunc(ctx, key)
}

// Peek implements storage.CounterStore.
func (m *CounterStore) Peek(ctx context.Context, key string) (int, error) {
	m.record("Peek")
	return m.PeekFunc(ctx, key)
}

// Lock implements storage.CounterStore.
func (m *CounterStore) Lock(ctx context.Context, key string, until time.Time) (time.Time, error) {
	m.record("Lock")
	return m.LockFunc(ctx, key, until)
}

// Clear implements storage.CounterStore.
func (m *CounterStore) Clear(ctx context.Context, key string) error {
	m.record("Clear")
	return m.ClearFunc(ctx, key)
}

// EvictExpired implements storage.CounterStore.
func (m *CounterStore) EvictExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	m.record("EvictExpired")
	return m.EvictExpiredFunc(ctx, maxAge)
}

// Sink is a mock security.Sink that keeps every recorded event.
type Sink struct {
	mu     sync.Mutex
	events []security.Event

	// Err, when set, is returned from Record after the event is kept.
	Err error
}

var _ security.Sink = (*Sink)(nil)

// Record implements security.Sink.
func (s *Sink) Record(_ context.Context, event security.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.Err
}

// Events returns a copy of the recorded events.
func (s *Sink) Events() []security.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]security.Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType returns recorded events with the given type.
func (s *Sink) EventsOfType(eventType string) []security.Event {
	var out []security.Event
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
