package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleMaxEntries bounds the number of keys a Throttle tracks
	DefaultThrottleMaxEntries = 10000

	defaultThrottleCleanupInterval = 5 * time.Minute
	defaultThrottleIdleTimeout     = 30 * time.Minute
)

type throttleEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Throttle is a per-key token bucket with LRU eviction. It bounds how often
// a noisy key (an alerting pattern, an audit event source) may pass.
type Throttle struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once

	evictions  int64
	suppressed int64
}

// NewThrottle creates a throttle allowing perSecond events per key with the
// given burst, and starts its idle cleanup goroutine.
func NewThrottle(perSecond float64, burst int, logger *slog.Logger) *Throttle {
	return newThrottleWithCleanupInterval(perSecond, burst, DefaultThrottleMaxEntries, defaultThrottleCleanupInterval, logger)
}

func newThrottleWithCleanupInterval(perSecond float64, burst, maxEntries int, interval time.Duration, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	if maxEntries < 0 {
		maxEntries = DefaultThrottleMaxEntries
	}

	t := &Throttle{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		limit:           rate.Limit(perSecond),
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		now:             time.Now,
		cleanupInterval: interval,
		stop:            make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Allow reports whether an event for key may pass now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	elem, ok := t.entries[key]
	if !ok {
		if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
			t.evictOldest()
		}
		elem = t.lru.PushFront(&throttleEntry{
			key:     key,
			limiter: rate.NewLimiter(t.limit, t.burst),
		})
		t.entries[key] = elem
	} else {
		t.lru.MoveToFront(elem)
	}

	entry := elem.Value.(*throttleEntry)
	entry.lastAccess = now
	if entry.limiter.AllowN(now, 1) {
		return true
	}
	t.suppressed++
	return false
}

// evictOldest must be called with mu held.
func (t *Throttle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.key)
	t.lru.Remove(elem)
	t.evictions++

	t.logger.Debug("Throttle LRU eviction",
		"total_evictions", t.evictions,
		"current_entries", len(t.entries))
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup(defaultThrottleIdleTimeout)
		case <-t.stop:
			return
		}
	}
}

// Cleanup drops keys idle for longer than maxIdle.
func (t *Throttle) Cleanup(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0

	// Oldest entries live at the back; stop at the first recent one.
	for elem := t.lru.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(t.entries, entry.key)
		t.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.logger.Debug("Throttle cleanup completed",
			"removed", removed,
			"remaining", len(t.entries))
	}
	return removed
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// ThrottleStats holds throttle statistics for monitoring
type ThrottleStats struct {
	CurrentEntries int
	MaxEntries     int
	Evictions      int64
	Suppressed     int64
}

// Stats returns current throttle statistics.
func (t *Throttle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ThrottleStats{
		CurrentEntries: len(t.entries),
		MaxEntries:     t.maxEntries,
		Evictions:      t.evictions,
		Suppressed:     t.suppressed,
	}
}
