package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/guard/internal/testutil"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if no server is reachable.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("guardtest:%s:", t.Name()),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	clock := testutil.NewMockTime(time.Now().Truncate(time.Millisecond))
	store.SetClock(clock.Now)

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})
	cleanupTestKeys(t, store)

	return store, clock
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}
		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}
		cursor = result.Cursor
		if cursor == 0 {
			return
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address should fail")
	}
}

func TestStore_IncrementAndWindowReset(t *testing.T) {
	store, clock := testStore(t)
	ctx := context.Background()
	window := time.Minute

	for want := 1; want <= 3; want++ {
		got, err := store.Increment(ctx, "k", window)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if got != want {
			t.Errorf("Increment() = %d, want %d", got, want)
		}
	}

	clock.Advance(window)
	if got, _ := store.Increment(ctx, "k", window); got != 1 {
		t.Errorf("Increment() after window = %d, want 1", got)
	}
}

func TestStore_PeekAndGet(t *testing.T) {
	store, clock := testStore(t)
	ctx := context.Background()

	if got, err := store.Peek(ctx, "missing"); err != nil || got != 0 {
		t.Errorf("Peek(missing) = %d, %v; want 0, nil", got, err)
	}

	_, _ = store.Increment(ctx, "k", time.Minute)
	_, _ = store.Increment(ctx, "k", time.Minute)

	rec, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if rec.Count != 2 || rec.Window != time.Minute || !rec.WindowStart.Equal(clock.Now()) {
		t.Errorf("Get() = %+v", rec)
	}

	clock.Advance(2 * time.Minute)
	if got, _ := store.Peek(ctx, "k"); got != 0 {
		t.Errorf("Peek() after window = %d, want 0", got)
	}
}

func TestStore_LockNeverShrinks(t *testing.T) {
	store, clock := testStore(t)
	ctx := context.Background()
	now := clock.Now()

	long := now.Add(time.Hour)
	got, err := store.Lock(ctx, "k", long)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !got.Equal(long) {
		t.Errorf("Lock() = %v, want %v", got, long)
	}

	got, _ = store.Lock(ctx, "k", now.Add(time.Minute))
	if !got.Equal(long) {
		t.Errorf("shorter Lock() = %v, want %v", got, long)
	}

	// Window reset keeps the lock.
	_, _ = store.Increment(ctx, "k", time.Second)
	clock.Advance(2 * time.Second)
	_, _ = store.Increment(ctx, "k", time.Second)

	rec, _, _ := store.Get(ctx, "k")
	if !rec.LockedUntil.Equal(long) {
		t.Errorf("LockedUntil = %v, want %v", rec.LockedUntil, long)
	}
}

func TestStore_Clear(t *testing.T) {
	store, clock := testStore(t)
	ctx := context.Background()

	_, _ = store.Increment(ctx, "k", time.Minute)
	_, _ = store.Lock(ctx, "k", clock.Now().Add(time.Hour))

	if err := store.Clear(ctx, "k"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("Get() after Clear() should find nothing")
	}
}

func TestStore_ConcurrentIncrement(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := store.Increment(ctx, "shared", time.Hour); err != nil {
					t.Errorf("Increment() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got, _ := store.Peek(ctx, "shared"); got != 500 {
		t.Errorf("Peek() = %d, want 500", got)
	}
}
