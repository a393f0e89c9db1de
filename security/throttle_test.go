package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestThrottle_Allow(t *testing.T) {
	th := NewThrottle(1, 3, nil)
	defer th.Stop()

	now := time.Unix(1700000000, 0)
	th.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !th.Allow("pattern-a") {
			t.Fatalf("Allow() call %d should pass within burst", i+1)
		}
	}
	if th.Allow("pattern-a") {
		t.Error("Allow() should be throttled once burst is spent")
	}

	// Other keys have their own bucket.
	if !th.Allow("pattern-b") {
		t.Error("Allow() for a different key should pass")
	}

	// One token refills after a second.
	now = now.Add(time.Second)
	if !th.Allow("pattern-a") {
		t.Error("Allow() should pass after refill")
	}

	if got := th.Stats().Suppressed; got != 1 {
		t.Errorf("Suppressed = %d, want 1", got)
	}
}

func TestThrottle_LRUEviction(t *testing.T) {
	th := newThrottleWithCleanupInterval(1, 1, 2, time.Hour, nil)
	defer th.Stop()

	th.Allow("a")
	th.Allow("b")
	th.Allow("c")

	stats := th.Stats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}

	// "a" was evicted so it starts with a fresh bucket.
	if !th.Allow("a") {
		t.Error("evicted key should start with a full bucket")
	}
}

func TestThrottle_Cleanup(t *testing.T) {
	th := newThrottleWithCleanupInterval(1, 1, 0, time.Hour, nil)
	defer th.Stop()

	now := time.Unix(1700000000, 0)
	th.now = func() time.Time { return now }

	th.Allow("old")
	now = now.Add(10 * time.Minute)
	th.Allow("fresh")

	if removed := th.Cleanup(5 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if got := th.Stats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries = %d, want 1", got)
	}
}

func TestThrottle_Concurrent(t *testing.T) {
	th := NewThrottle(1000, 1000, nil)
	defer th.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				th.Allow(fmt.Sprintf("key-%d", j%5))
			}
		}(i)
	}
	wg.Wait()

	if got := th.Stats().CurrentEntries; got != 5 {
		t.Errorf("CurrentEntries = %d, want 5", got)
	}
}

func TestThrottle_StopIdempotent(t *testing.T) {
	th := NewThrottle(1, 1, nil)
	th.Stop()
	th.Stop()
}
