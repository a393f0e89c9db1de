package threat

import (
	"sort"
	"sync"
	"time"
)

// Hold is an entry in the blocked-address or challenged-subject set.
type Hold struct {
	Value     string    `json:"value"`
	PatternID string    `json:"pattern_id,omitempty"`
	Since     time.Time `json:"since"`
	// Until is zero when the hold lasts until released manually.
	Until time.Time `json:"until,omitempty"`
}

func (h Hold) active(now time.Time) bool {
	return h.Until.IsZero() || now.Before(h.Until)
}

// holdSet is a string set whose entries may expire.
type holdSet struct {
	mu    sync.Mutex
	holds map[string]Hold
}

func newHoldSet() *holdSet {
	return &holdSet{holds: make(map[string]Hold)}
}

// add inserts or refreshes value. An existing hold is never shortened.
func (s *holdSet) add(h Hold) Hold {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.holds[h.Value]; ok && prev.active(h.Since) {
		h.Since = prev.Since
		if prev.Until.IsZero() || (!h.Until.IsZero() && prev.Until.After(h.Until)) {
			h.Until = prev.Until
		}
	}
	s.holds[h.Value] = h
	return h
}

// contains reports whether value is held at now. Expired entries are removed.
func (s *holdSet) contains(value string, now time.Time) bool {
	if value == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[value]
	if !ok {
		return false
	}
	if !h.active(now) {
		delete(s.holds, value)
		return false
	}
	return true
}

func (s *holdSet) remove(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.holds[value]
	delete(s.holds, value)
	return ok
}

// list sweeps expired entries and returns the rest ordered by value.
func (s *holdSet) list(now time.Time) []Hold {
	s.mu.Lock()
	out := make([]Hold, 0, len(s.holds))
	for v, h := range s.holds {
		if !h.active(now) {
			delete(s.holds, v)
			continue
		}
		out = append(out, h)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// activeCount sweeps expired entries and returns how many remain.
func (s *holdSet) activeCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v, h := range s.holds {
		if !h.active(now) {
			delete(s.holds, v)
		}
	}
	return len(s.holds)
}
