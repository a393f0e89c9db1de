package threat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/guard/internal/testutil"
	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/storage"
	"github.com/giantswarm/guard/storage/memory"
	"github.com/giantswarm/guard/storage/mock"
)

type testEngine struct {
	*Engine
	clock *testutil.MockTime
	sink  *mock.Sink
}

func newTestEngine(t *testing.T, config Config, opts ...Option) *testEngine {
	t.Helper()

	clock := testutil.NewMockTime(testutil.Epoch)
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	sink := &mock.Sink{}
	logger, _ := testutil.NewCaptureLogger()

	opts = append([]Option{WithClock(clock.Now), WithAuditSink(sink)}, opts...)
	e, err := New(store, config, logger, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	return &testEngine{Engine: e, clock: clock, sink: sink}
}

func TestNew_LoadsDefaultPatterns(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	ids := []string{
		PatternAccountTakeover,
		PatternBruteForceLogin,
		PatternMFABypass,
		PatternRapidAPICalls,
		PatternSessionHijack,
		PatternSuspiciousUserAgent,
	}
	got := e.ListPatterns()
	if len(got) != len(ids) {
		t.Fatalf("ListPatterns() returned %d patterns, want %d", len(got), len(ids))
	}
	for i, id := range ids {
		if got[i].ID != id {
			t.Errorf("ListPatterns()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestNew_PatternSets(t *testing.T) {
	custom := Pattern{ID: "custom", Name: "Custom", Severity: SeverityLow, Threshold: 1, Window: time.Minute, Reaction: ReactionLog, Enabled: true}
	stricter := Pattern{ID: PatternBruteForceLogin, Name: "Brute force", Severity: SeverityCritical, Threshold: 3, Window: time.Minute, Reaction: ReactionBlock, Enabled: true}

	tests := []struct {
		name          string
		config        Config
		wantCount     int
		wantThreshold int // of brute_force_login, 0 when absent
	}{
		{name: "defaults", wantCount: 6, wantThreshold: 5},
		{name: "replace", config: Config{Patterns: []Pattern{custom}}, wantCount: 1},
		{name: "extend adds", config: Config{Patterns: []Pattern{custom}, ExtendDefaults: true}, wantCount: 7, wantThreshold: 5},
		{name: "extend overrides by id", config: Config{Patterns: []Pattern{stricter, custom}, ExtendDefaults: true}, wantCount: 7, wantThreshold: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.config)
			if got := len(e.ListPatterns()); got != tt.wantCount {
				t.Errorf("ListPatterns() returned %d patterns, want %d", got, tt.wantCount)
			}
			p, ok := e.Pattern(PatternBruteForceLogin)
			if tt.wantThreshold == 0 {
				if ok {
					t.Error("brute_force_login should be replaced away")
				}
				return
			}
			if !ok || p.Threshold != tt.wantThreshold {
				t.Errorf("brute_force_login = %+v, want threshold %d", p, tt.wantThreshold)
			}
		})
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, Config{}, nil); err == nil {
		t.Error("New(nil store) should fail")
	}
}

func TestNew_RejectsInvalidConfiguredPattern(t *testing.T) {
	_, err := New(mock.NewCounterStore(), Config{
		Patterns: []Pattern{{ID: "p", Threshold: 1, Window: time.Minute, Severity: SeverityLow, Reaction: "teleport"}},
	}, nil)
	if !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("New() error = %v, want ErrInvalidPattern", err)
	}
}

func TestCheckThreat_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		pattern  string
		reaction Reaction
	}{
		{PatternBruteForceLogin, ReactionBlock},
		{PatternAccountTakeover, ReactionAlert},
		{PatternSessionHijack, ReactionAlert},
		{PatternSuspiciousUserAgent, ReactionLog},
		{PatternMFABypass, ReactionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, DefaultConfig())
			p, ok := e.Pattern(tt.pattern)
			if !ok {
				t.Fatalf("pattern %s missing", tt.pattern)
			}

			check := Check{PatternID: p.ID, SubjectID: "user-1", SourceAddress: "10.0.0.1"}
			for i := 1; i < p.Threshold; i++ {
				if r := e.CheckThreat(ctx, check); r.Threat {
					t.Fatalf("call %d: threat reported below threshold", i)
				}
			}

			r := e.CheckThreat(ctx, check)
			if !r.Threat {
				t.Fatalf("call %d: no threat at threshold", p.Threshold)
			}
			if r.Action != tt.reaction {
				t.Errorf("Action = %s, want %s", r.Action, tt.reaction)
			}
			if r.Severity != p.Severity {
				t.Errorf("Severity = %s, want %s", r.Severity, p.Severity)
			}
			if r.EventID == "" {
				t.Error("EventID should be set")
			}
		})
	}
}

func TestCheckThreat_BruteForceScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())

	check := Check{
		PatternID:     PatternBruteForceLogin,
		Details:       map[string]any{},
		SourceAddress: "9.9.9.9",
		SourceAgent:   "ua",
	}

	var last Result
	for i := 0; i < 5; i++ {
		last = e.CheckThreat(ctx, check)
	}

	if !last.Threat || last.Action != ReactionBlock || last.Severity != SeverityHigh {
		t.Errorf("5th check = %+v, want threat/block/high", last)
	}
	if !e.IsBlocked("9.9.9.9") {
		t.Error("9.9.9.9 should be blocked")
	}

	detected := e.sink.EventsOfType(security.EventThreatDetected)
	if len(detected) != 1 {
		t.Fatalf("threat events = %d, want 1", len(detected))
	}
	ev := detected[0]
	if ev.SourceAddress != "9.9.9.9" || ev.SourceAgent != "ua" || ev.Reaction != "block" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Details["address_class"] != "public" {
		t.Errorf("address_class = %v, want public", ev.Details["address_class"])
	}
	if len(e.sink.EventsOfType(security.EventAddressBlocked)) != 1 {
		t.Error("expected an address_blocked audit event")
	}
}

func TestCheckThreat_CompositeKeyIsolation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())

	for i := 0; i < 4; i++ {
		e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "1.1.1.1"})
	}
	// Different address and different subject each start from zero.
	if r := e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "2.2.2.2"}); r.Count != 1 {
		t.Errorf("other address count = %d, want 1", r.Count)
	}
	if r := e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "1.1.1.1", SubjectID: "bob"}); r.Count != 1 {
		t.Errorf("other subject count = %d, want 1", r.Count)
	}
	if r := e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "1.1.1.1"}); !r.Threat {
		t.Error("fifth check for 1.1.1.1 should be a threat")
	}
}

func TestResetCounter(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())
	check := Check{PatternID: PatternBruteForceLogin, SourceAddress: "1.1.1.1", SubjectID: "bob"}

	for i := 0; i < 4; i++ {
		e.CheckThreat(ctx, check)
	}
	if err := e.ResetCounter(ctx, PatternBruteForceLogin, "1.1.1.1", "bob"); err != nil {
		t.Fatalf("ResetCounter() error = %v", err)
	}
	if r := e.CheckThreat(ctx, check); r.Count != 1 || r.Threat {
		t.Errorf("after reset: %+v, want count 1 and no threat", r)
	}
}

func TestCheckThreat_WindowReset(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())
	check := Check{PatternID: PatternSessionHijack, SourceAddress: "10.0.0.1"}

	e.CheckThreat(ctx, check)
	e.clock.Advance(5 * time.Minute)

	if r := e.CheckThreat(ctx, check); r.Threat || r.Count != 1 {
		t.Errorf("after window: %+v, want count 1 and no threat", r)
	}
}

func TestCheckThreat_UnknownAndDisabled(t *testing.T) {
	tests := []struct {
		name       string
		failClosed bool
		patternID  string
		disable    bool
		wantThreat bool
	}{
		{name: "unknown fails open", patternID: "nope"},
		{name: "unknown fails closed", patternID: "nope", failClosed: true, wantThreat: true},
		{name: "disabled fails open", patternID: PatternSuspiciousUserAgent, disable: true},
		{name: "disabled ignores fail closed", patternID: PatternSuspiciousUserAgent, disable: true, failClosed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailClosed = tt.failClosed
			e := newTestEngine(t, cfg)

			if tt.disable {
				off := false
				if _, err := e.UpdatePattern(tt.patternID, PatternUpdate{Enabled: &off}); err != nil {
					t.Fatal(err)
				}
			}

			r := e.CheckThreat(context.Background(), Check{PatternID: tt.patternID, SourceAddress: "1.2.3.4"})
			if r.Threat != tt.wantThreat {
				t.Errorf("Threat = %v, want %v", r.Threat, tt.wantThreat)
			}
			if tt.wantThreat && r.Action != ReactionBlock {
				t.Errorf("Action = %s, want block", r.Action)
			}
			if e.Stats().UnknownPatterns != 1 {
				t.Errorf("UnknownPatterns = %d, want 1", e.Stats().UnknownPatterns)
			}
		})
	}
}

func TestCheckThreat_StoreFailureFailsOpen(t *testing.T) {
	store := mock.NewCounterStore()
	store.IncrementFunc = func(context.Context, string, time.Duration) (int, error) {
		return 0, storage.ErrStoreUnavailable
	}
	e, err := New(store, DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	r := e.CheckThreat(context.Background(), Check{PatternID: PatternSuspiciousUserAgent, SourceAddress: "1.2.3.4"})
	if r.Threat {
		t.Error("store failure should fail open")
	}
}

func TestCheckThreat_SinkFailureDoesNotPropagate(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.sink.Err = errors.New("sink offline")

	r := e.CheckThreat(context.Background(), Check{PatternID: PatternSuspiciousUserAgent, SourceAddress: "1.2.3.4"})
	if !r.Threat {
		t.Error("threat should still be reported when the sink fails")
	}
}

func TestChallengeReaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())
	threshold := 2
	if _, err := e.UpdatePattern(PatternRapidAPICalls, PatternUpdate{Threshold: &threshold}); err != nil {
		t.Fatal(err)
	}

	// With a subject, the subject is challenged.
	for i := 0; i < 2; i++ {
		e.CheckThreat(ctx, Check{PatternID: PatternRapidAPICalls, SubjectID: "alice", SourceAddress: "10.0.0.1"})
	}
	if !e.IsChallenged("alice") {
		t.Error("alice should be challenged")
	}

	// Without one, the address stands in.
	for i := 0; i < 2; i++ {
		e.CheckThreat(ctx, Check{PatternID: PatternRapidAPICalls, SourceAddress: "10.0.0.2"})
	}
	if !e.IsChallenged("10.0.0.2") {
		t.Error("10.0.0.2 should be challenged")
	}

	if got := len(e.ListChallenged()); got != 2 {
		t.Errorf("ListChallenged() = %d holds, want 2", got)
	}

	if !e.Unchallenge("alice") || e.IsChallenged("alice") {
		t.Error("Unchallenge(alice) failed")
	}
	if e.Unchallenge("alice") {
		t.Error("second Unchallenge should report false")
	}
}

func TestHolds_TTLAndManualRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("ttl expires", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BlockTTL = 10 * time.Minute
		e := newTestEngine(t, cfg)

		for i := 0; i < 5; i++ {
			e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "9.9.9.9"})
		}
		if len(e.ListBlocked()) != 1 {
			t.Fatalf("ListBlocked() = %v", e.ListBlocked())
		}

		e.clock.Advance(10 * time.Minute)
		if e.IsBlocked("9.9.9.9") {
			t.Error("block should have expired")
		}
		if len(e.ListBlocked()) != 0 {
			t.Error("expired hold still listed")
		}
	})

	t.Run("zero ttl needs manual release", func(t *testing.T) {
		e := newTestEngine(t, Config{})

		for i := 0; i < 5; i++ {
			e.CheckThreat(ctx, Check{PatternID: PatternBruteForceLogin, SourceAddress: "9.9.9.9"})
		}
		e.clock.Advance(24 * time.Hour)
		if !e.IsBlocked("9.9.9.9") {
			t.Fatal("block without TTL should persist")
		}

		if !e.Unblock(ctx, "9.9.9.9") {
			t.Error("Unblock() = false")
		}
		if e.IsBlocked("9.9.9.9") {
			t.Error("still blocked after Unblock")
		}
		if len(e.sink.EventsOfType(security.EventAddressUnblocked)) != 1 {
			t.Error("expected an address_unblocked event")
		}
	})
}

func TestHoldSet_NeverShortens(t *testing.T) {
	s := newHoldSet()
	now := testutil.Epoch

	s.add(Hold{Value: "a", Since: now, Until: now.Add(time.Hour)})
	h := s.add(Hold{Value: "a", Since: now.Add(time.Minute), Until: now.Add(30 * time.Minute)})
	if !h.Until.Equal(now.Add(time.Hour)) {
		t.Errorf("Until = %v, want unchanged", h.Until)
	}
	if !h.Since.Equal(now) {
		t.Errorf("Since = %v, want original", h.Since)
	}

	s.add(Hold{Value: "b", Since: now})
	h = s.add(Hold{Value: "b", Since: now, Until: now.Add(time.Minute)})
	if !h.Until.IsZero() {
		t.Error("a permanent hold must stay permanent")
	}
}

func TestHoldSet_ActiveCount(t *testing.T) {
	s := newHoldSet()
	now := testutil.Epoch

	s.add(Hold{Value: "short", Since: now, Until: now.Add(time.Minute)})
	s.add(Hold{Value: "long", Since: now, Until: now.Add(time.Hour)})
	s.add(Hold{Value: "manual", Since: now})

	if got := s.activeCount(now); got != 3 {
		t.Errorf("activeCount() = %d, want 3", got)
	}
	// Expired holds drop out without being looked up.
	if got := s.activeCount(now.Add(time.Minute)); got != 2 {
		t.Errorf("activeCount() after first expiry = %d, want 2", got)
	}
	if got := s.activeCount(now.Add(2 * time.Hour)); got != 1 {
		t.Errorf("activeCount() after second expiry = %d, want 1", got)
	}
}

func TestRegistryManagement(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	custom := Pattern{ID: "csv_export", Name: "Bulk export", Severity: SeverityMedium, Threshold: 3, Window: time.Hour, Reaction: ReactionLog, Enabled: true}
	if err := e.AddPattern(custom); err != nil {
		t.Fatalf("AddPattern() error = %v", err)
	}
	if err := e.AddPattern(custom); !errors.Is(err, ErrPatternExists) {
		t.Errorf("duplicate AddPattern() error = %v, want ErrPatternExists", err)
	}

	sev := SeverityCritical
	updated, err := e.UpdatePattern("csv_export", PatternUpdate{Severity: &sev})
	if err != nil {
		t.Fatalf("UpdatePattern() error = %v", err)
	}
	if updated.Severity != SeverityCritical || updated.Threshold != 3 || updated.Name != "Bulk export" {
		t.Errorf("merge failed: %+v", updated)
	}

	zero := 0
	if _, err := e.UpdatePattern("csv_export", PatternUpdate{Threshold: &zero}); !errors.Is(err, ErrInvalidPattern) {
		t.Errorf("invalid update error = %v, want ErrInvalidPattern", err)
	}
	if p, _ := e.Pattern("csv_export"); p.Threshold != 3 {
		t.Error("rejected update must leave the pattern unchanged")
	}

	if _, err := e.UpdatePattern("missing", PatternUpdate{}); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("UpdatePattern(missing) error = %v", err)
	}

	if err := e.RemovePattern("csv_export"); err != nil {
		t.Fatalf("RemovePattern() error = %v", err)
	}
	if err := e.RemovePattern("csv_export"); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("second RemovePattern() error = %v", err)
	}
	if r := e.CheckThreat(context.Background(), Check{PatternID: "csv_export"}); r.Threat {
		t.Error("removed pattern should fail open")
	}
}

func TestPatternValidate(t *testing.T) {
	valid := Pattern{ID: "x", Severity: SeverityLow, Threshold: 1, Window: time.Second, Reaction: ReactionLog}

	tests := []struct {
		name   string
		mutate func(*Pattern)
	}{
		{"empty id", func(p *Pattern) { p.ID = "" }},
		{"zero threshold", func(p *Pattern) { p.Threshold = 0 }},
		{"zero window", func(p *Pattern) { p.Window = 0 }},
		{"bad severity", func(p *Pattern) { p.Severity = "severe" }},
		{"no reaction", func(p *Pattern) { p.Reaction = "" }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid pattern rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidPattern) {
				t.Errorf("Validate() error = %v, want ErrInvalidPattern", err)
			}
		})
	}
}

func TestRegisterReaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())

	var mu sync.Mutex
	var got []security.Event
	err := e.RegisterReaction("quarantine", func(_ context.Context, ev security.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	reaction := Reaction("quarantine")
	if _, err := e.UpdatePattern(PatternSuspiciousUserAgent, PatternUpdate{Reaction: &reaction}); err != nil {
		t.Fatal(err)
	}

	r := e.CheckThreat(ctx, Check{PatternID: PatternSuspiciousUserAgent, SourceAgent: "sqlmap/1.0"})
	if r.Action != "quarantine" {
		t.Errorf("Action = %s, want quarantine", r.Action)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].SourceAgent != "sqlmap/1.0" {
		t.Errorf("custom reaction saw %v", got)
	}

	if err := e.RegisterReaction("", nil); err == nil {
		t.Error("RegisterReaction with empty name should fail")
	}
}

func TestReactionError_IsNotPropagated(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	// brute_force_login blocks by address; without one the reaction errors.
	var r Result
	for i := 0; i < 5; i++ {
		r = e.CheckThreat(context.Background(), Check{PatternID: PatternBruteForceLogin, SubjectID: "u"})
	}
	if !r.Threat {
		t.Error("threat should be reported even when the reaction fails")
	}
	if len(e.ListBlocked()) != 0 {
		t.Error("nothing should be blocked without an address")
	}
}

func TestRecentEvents(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RecentEvents = 3
	e := newTestEngine(t, cfg)

	if got := e.RecentEvents(10); len(got) != 0 {
		t.Fatalf("RecentEvents on empty engine = %d", len(got))
	}

	for _, agent := range []string{"a", "b", "c", "d", "e"} {
		e.CheckThreat(ctx, Check{PatternID: PatternSuspiciousUserAgent, SourceAgent: agent, SourceAddress: agent})
	}

	got := e.RecentEvents(0)
	want := []string{"e", "d", "c"}
	if len(got) != len(want) {
		t.Fatalf("RecentEvents() = %d events, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].SourceAgent != w {
			t.Errorf("RecentEvents()[%d] = %s, want %s", i, got[i].SourceAgent, w)
		}
	}

	if got := e.RecentEvents(1); len(got) != 1 || got[0].SourceAgent != "e" {
		t.Errorf("RecentEvents(1) = %v", got)
	}

	stats := e.Stats()
	if stats.Detections != 5 || stats.Checks != 5 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCheckThreat_Concurrent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultConfig())
	threshold := 50
	if _, err := e.UpdatePattern(PatternRapidAPICalls, PatternUpdate{Threshold: &threshold}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	threats := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r := e.CheckThreat(ctx, Check{PatternID: PatternRapidAPICalls, SourceAddress: "10.1.1.1"})
				if r.Threat {
					mu.Lock()
					threats++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Counts 50..100 cross the threshold.
	if threats != 51 {
		t.Errorf("threats = %d, want 51", threats)
	}
}
