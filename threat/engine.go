// Package threat implements the threat pattern engine.
//
// The engine holds a registry of named detection rules. Every CheckThreat
// call increments the sliding-window counter for (pattern, source address,
// subject). When the count reaches the pattern's threshold a threat event is
// built, the pattern's reaction is dispatched, and the event is forwarded to
// the audit sink.
//
// Built-in reactions:
//
//   - log: nothing beyond the audit event
//   - block: the source address joins the blocked set
//   - challenge: the subject (or, without one, the source address) joins the challenged set
//   - alert: the event is queued for the Alerter on a background worker
//
// Unknown and disabled patterns fail open unless Config.FailClosed is set.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/internal/util"
	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/storage"
)

const (
	// DefaultHoldTTL is how long DefaultConfig keeps addresses blocked and
	// subjects challenged
	DefaultHoldTTL = time.Hour

	// DefaultRecentEvents is the size of the recent-events ring buffer
	DefaultRecentEvents = 100

	// DefaultAlertQueueSize is the alert dispatch queue capacity
	DefaultAlertQueueSize = 256

	// DefaultAlertTimeout bounds a single Alerter call
	DefaultAlertTimeout = 5 * time.Second

	// DefaultAlertsPerSecond and DefaultAlertBurst throttle alerts per pattern
	DefaultAlertsPerSecond = 1.0
	DefaultAlertBurst      = 5

	keyNamespace = "threat"
)

// Config holds threat engine configuration.
type Config struct {
	// Patterns replaces the built-in pattern set when non-empty, or is
	// merged into it by ID when ExtendDefaults is set.
	Patterns       []Pattern `koanf:"patterns"`
	ExtendDefaults bool      `koanf:"extend_defaults"`

	// BlockTTL and ChallengeTTL bound how long reaction state lasts.
	// Zero means entries stay until Unblock/Unchallenge.
	BlockTTL     time.Duration `koanf:"block_ttl"`
	ChallengeTTL time.Duration `koanf:"challenge_ttl"`

	// FailClosed makes checks against unknown pattern IDs report a
	// blocking threat instead of no threat.
	FailClosed bool `koanf:"fail_closed"`

	RecentEvents    int           `koanf:"recent_events"`
	AlertQueueSize  int           `koanf:"alert_queue_size"`
	AlertTimeout    time.Duration `koanf:"alert_timeout"`
	AlertsPerSecond float64       `koanf:"alerts_per_second"`
	AlertBurst      int           `koanf:"alert_burst"`
}

// DefaultConfig returns the configuration used by Guard: one-hour holds and
// the built-in pattern set.
func DefaultConfig() Config {
	return Config{
		BlockTTL:     DefaultHoldTTL,
		ChallengeTTL: DefaultHoldTTL,
	}
}

func (c *Config) applyDefaults() {
	if c.RecentEvents <= 0 {
		c.RecentEvents = DefaultRecentEvents
	}
	if c.AlertQueueSize <= 0 {
		c.AlertQueueSize = DefaultAlertQueueSize
	}
	if c.AlertTimeout <= 0 {
		c.AlertTimeout = DefaultAlertTimeout
	}
	if c.AlertsPerSecond <= 0 {
		c.AlertsPerSecond = DefaultAlertsPerSecond
	}
	if c.AlertBurst <= 0 {
		c.AlertBurst = DefaultAlertBurst
	}
}

// Check is one observation submitted to CheckThreat. Every field except
// PatternID is optional.
type Check struct {
	PatternID     string
	SubjectID     string
	SourceAddress string
	SourceAgent   string
	Details       map[string]any
}

// Result is the outcome of CheckThreat. Threat is false for counts below the
// pattern threshold and for unknown or disabled patterns.
type Result struct {
	Threat    bool
	Action    Reaction
	Severity  Severity
	PatternID string
	Count     int
	EventID   string
}

// ReactionHandler applies a reaction for a detected threat. Errors are logged
// and never reach the CheckThreat caller.
type ReactionHandler func(ctx context.Context, event security.Event) error

// Stats holds engine statistics for monitoring
type Stats struct {
	Patterns        int
	EnabledPatterns int
	Checks          int64
	Detections      int64
	UnknownPatterns int64
	Blocked         int
	Challenged      int
	AlertsSent      int64
	AlertsDropped   int64
	AlertsFailed    int64
}

// Engine is the threat pattern engine. It is safe for concurrent use.
type Engine struct {
	store  storage.CounterStore
	config Config

	mu       sync.RWMutex
	patterns map[string]Pattern

	reactionsMu sync.RWMutex
	reactions   map[Reaction]ReactionHandler

	blocked    *holdSet
	challenged *holdSet

	sink     security.Sink
	alerts   *dispatcher
	throttle *security.Throttle

	recentMu sync.Mutex
	recent   []security.Event
	next     int

	checks     atomic.Int64
	detections atomic.Int64
	unknown    atomic.Int64

	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink sets the sink threat events are forwarded to.
func WithAuditSink(sink security.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithAlerter sets the collaborator alert reactions are forwarded to.
// Without one, alerts are written to the log.
func WithAlerter(a Alerter) Option {
	return func(e *Engine) {
		if a != nil {
			e.alerts.alerter = a
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithInstrumentation enables tracing, threat metrics and the
// guard.blocked.addresses gauge.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(e *Engine) {
		e.instrumentation = inst
		e.alerts.inst = inst
		if inst == nil {
			return
		}
		e.tracer = inst.Tracer("threat")
		err := inst.RegisterGaugeCallbacks(nil, func() int64 { return int64(e.blocked.activeCount(e.now())) }, nil)
		if err != nil {
			e.logger.Warn("Failed to register blocked address gauge", "error", err)
		}
	}
}

// New creates an engine backed by store. The built-in pattern set is loaded
// when config.Patterns is empty or config.ExtendDefaults is set.
// Call Stop to drain pending alerts.
func New(store storage.CounterStore, config Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	patterns := config.Patterns
	if len(patterns) == 0 || config.ExtendDefaults {
		defaults, err := DefaultPatterns()
		if err != nil {
			return nil, fmt.Errorf("failed to load default patterns: %w", err)
		}
		patterns = MergePatterns(defaults, config.Patterns)
	}

	e := &Engine{
		store:      store,
		config:     config,
		patterns:   make(map[string]Pattern, len(patterns)),
		blocked:    newHoldSet(),
		challenged: newHoldSet(),
		recent:     make([]security.Event, 0, config.RecentEvents),
		now:        time.Now,
		logger:     logger,
	}

	e.reactions = map[Reaction]ReactionHandler{
		ReactionLog:       func(context.Context, security.Event) error { return nil },
		ReactionBlock:     e.blockReaction,
		ReactionChallenge: e.challengeReaction,
		ReactionAlert:     e.alertReaction,
	}

	e.throttle = security.NewThrottle(config.AlertsPerSecond, config.AlertBurst, logger)
	e.alerts = newDispatcher(logAlerter{logger: logger}, config.AlertQueueSize, e.throttle,
		config.AlertTimeout, e.audit, logger)

	for _, opt := range opts {
		opt(e)
	}

	for _, p := range patterns {
		if err := e.AddPattern(p); err != nil {
			e.Stop(context.Background())
			return nil, err
		}
	}

	return e, nil
}

// Stop stops accepting alerts and waits for queued alerts to be delivered
// until ctx ends. Safe to call more than once.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		err = e.alerts.close(ctx)
		e.throttle.Stop()
	})
	return err
}

func (e *Engine) counterKey(patternID, address, subject string) string {
	return util.CompositeKey(keyNamespace, patternID, address, subject)
}

// CheckThreat records one observation for c.PatternID and reports whether
// the pattern threshold has been reached.
func (e *Engine) CheckThreat(ctx context.Context, c Check) Result {
	ctx, span := e.startSpan(ctx, "threat.check")
	defer span.End()

	e.checks.Add(1)
	e.instrumentation.Metrics().RecordThreatCheck(ctx, c.PatternID)
	if e.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, c.SourceAddress)
	}

	e.mu.RLock()
	p, ok := e.patterns[c.PatternID]
	e.mu.RUnlock()

	if !ok || !p.Enabled {
		return e.unknownPattern(ctx, span, c, ok)
	}

	count, err := e.store.Increment(ctx, e.counterKey(p.ID, c.SourceAddress, c.SubjectID), p.Window)
	if err != nil {
		instrumentation.RecordError(span, err)
		e.logger.Error("Threat counter update failed, allowing request",
			"pattern_id", p.ID,
			"error", err)
		return Result{PatternID: p.ID}
	}

	detected := count >= p.Threshold
	instrumentation.AddThreatAttributes(span, p.ID, count, detected)

	if !detected {
		instrumentation.SetSpanSuccess(span)
		return Result{PatternID: p.ID, Count: count}
	}

	event := e.newEvent(p, c, count)
	instrumentation.AddReactionAttributes(span, string(p.Severity), string(p.Reaction))

	e.dispatch(ctx, span, p.Reaction, event)

	e.detections.Add(1)
	e.remember(event)
	e.instrumentation.Metrics().RecordThreatDetected(ctx, p.ID, string(p.Severity), string(p.Reaction))

	e.logger.Warn("Threat detected",
		"event_id", event.ID,
		"pattern_id", p.ID,
		"severity", p.Severity,
		"reaction", p.Reaction,
		"count", count,
		"threshold", p.Threshold)

	e.audit(ctx, event)
	instrumentation.SetSpanSuccess(span)

	return Result{
		Threat:    true,
		Action:    p.Reaction,
		Severity:  p.Severity,
		PatternID: p.ID,
		Count:     count,
		EventID:   event.ID,
	}
}

func (e *Engine) unknownPattern(ctx context.Context, span trace.Span, c Check, exists bool) Result {
	e.unknown.Add(1)
	state := "unknown"
	if exists {
		state = "disabled"
	}
	instrumentation.SetSpanAttributes(span, attribute.String("guard.threat.pattern_state", state))

	e.logger.Warn("Threat check for unavailable pattern",
		"pattern_id", c.PatternID,
		"state", state,
		"fail_closed", e.config.FailClosed && !exists)

	e.audit(ctx, security.Event{
		Type:          security.EventUnknownPattern,
		SubjectID:     c.SubjectID,
		PatternID:     c.PatternID,
		SourceAddress: c.SourceAddress,
		SourceAgent:   c.SourceAgent,
		Details:       map[string]any{"state": state},
	})

	// A disabled pattern was switched off on purpose; only missing IDs fail closed.
	if e.config.FailClosed && !exists {
		return Result{
			Threat:    true,
			Action:    ReactionBlock,
			Severity:  SeverityHigh,
			PatternID: c.PatternID,
		}
	}
	return Result{PatternID: c.PatternID}
}

func (e *Engine) newEvent(p Pattern, c Check, count int) security.Event {
	details := make(map[string]any, len(c.Details)+4)
	maps.Copy(details, c.Details)
	details["count"] = count
	details["threshold"] = p.Threshold
	details["window"] = p.Window.String()
	if c.SourceAddress != "" {
		details["address_class"] = util.ClassifyAddress(c.SourceAddress)
	}

	return security.Event{
		ID:            uuid.NewString(),
		Type:          security.EventThreatDetected,
		SubjectID:     c.SubjectID,
		PatternID:     p.ID,
		Severity:      string(p.Severity),
		Reaction:      string(p.Reaction),
		SourceAddress: c.SourceAddress,
		SourceAgent:   c.SourceAgent,
		Details:       details,
		Timestamp:     e.now(),
	}
}

func (e *Engine) dispatch(ctx context.Context, span trace.Span, reaction Reaction, event security.Event) {
	e.reactionsMu.RLock()
	handler, ok := e.reactions[reaction]
	e.reactionsMu.RUnlock()

	if !ok {
		e.logger.Error("No handler for reaction", "reaction", reaction, "pattern_id", event.PatternID)
		return
	}
	if err := handler(ctx, event); err != nil {
		instrumentation.RecordError(span, err)
		e.logger.Error("Reaction failed",
			"reaction", reaction,
			"pattern_id", event.PatternID,
			"error", err)
	}
}

// audit forwards event to the sink. Failures are logged, never returned.
func (e *Engine) audit(ctx context.Context, event security.Event) {
	if e.sink == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if err := e.sink.Record(ctx, event); err != nil {
		e.instrumentation.Metrics().RecordAuditSinkError(ctx)
		e.logger.Error("Audit sink failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err)
	}
}

func (e *Engine) blockReaction(ctx context.Context, event security.Event) error {
	if event.SourceAddress == "" {
		return fmt.Errorf("block reaction for pattern %s has no source address", event.PatternID)
	}
	hold := e.blocked.add(e.newHold(event.SourceAddress, event.PatternID, e.config.BlockTTL))

	e.audit(ctx, security.Event{
		Type:          security.EventAddressBlocked,
		SubjectID:     event.SubjectID,
		PatternID:     event.PatternID,
		Severity:      string(SeverityHigh),
		Reaction:      string(ReactionBlock),
		SourceAddress: event.SourceAddress,
		SourceAgent:   event.SourceAgent,
		Details: map[string]any{
			"threat_event_id": event.ID,
			"until":           hold.Until,
		},
	})
	return nil
}

func (e *Engine) challengeReaction(ctx context.Context, event security.Event) error {
	target := event.SubjectID
	if target == "" {
		target = event.SourceAddress
	}
	if target == "" {
		return fmt.Errorf("challenge reaction for pattern %s has neither subject nor source address", event.PatternID)
	}
	hold := e.challenged.add(e.newHold(target, event.PatternID, e.config.ChallengeTTL))

	e.audit(ctx, security.Event{
		Type:          security.EventSubjectChallenged,
		SubjectID:     target,
		PatternID:     event.PatternID,
		Severity:      event.Severity,
		Reaction:      string(ReactionChallenge),
		SourceAddress: event.SourceAddress,
		Details: map[string]any{
			"threat_event_id": event.ID,
			"until":           hold.Until,
		},
	})
	return nil
}

func (e *Engine) alertReaction(ctx context.Context, event security.Event) error {
	e.alerts.enqueue(ctx, event)
	return nil
}

func (e *Engine) newHold(value, patternID string, ttl time.Duration) Hold {
	now := e.now()
	h := Hold{Value: value, PatternID: patternID, Since: now}
	if ttl > 0 {
		h.Until = now.Add(ttl)
	}
	return h
}

// RegisterReaction adds or replaces the handler for reaction.
func (e *Engine) RegisterReaction(reaction Reaction, handler ReactionHandler) error {
	if reaction == "" || handler == nil {
		return fmt.Errorf("reaction name and handler are required")
	}
	e.reactionsMu.Lock()
	e.reactions[reaction] = handler
	e.reactionsMu.Unlock()
	return nil
}

func (e *Engine) hasReaction(reaction Reaction) bool {
	e.reactionsMu.RLock()
	defer e.reactionsMu.RUnlock()
	_, ok := e.reactions[reaction]
	return ok
}

// AddPattern registers a new pattern.
func (e *Engine) AddPattern(p Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !e.hasReaction(p.Reaction) {
		return fmt.Errorf("%w: %s: no handler for reaction %q", ErrInvalidPattern, p.ID, p.Reaction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.patterns[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPatternExists, p.ID)
	}
	e.patterns[p.ID] = p
	return nil
}

// UpdatePattern merges u into the pattern with the given ID and returns the
// result. Existing counters keep running under the new threshold and window.
func (e *Engine) UpdatePattern(id string, u PatternUpdate) (Pattern, error) {
	if u.Reaction != nil && !e.hasReaction(*u.Reaction) {
		return Pattern{}, fmt.Errorf("%w: %s: no handler for reaction %q", ErrInvalidPattern, id, *u.Reaction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.patterns[id]
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	updated := u.apply(p)
	if err := updated.Validate(); err != nil {
		return Pattern{}, err
	}
	e.patterns[id] = updated
	return updated, nil
}

// RemovePattern unregisters a pattern. Later checks treat it as unknown.
func (e *Engine) RemovePattern(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.patterns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	delete(e.patterns, id)
	return nil
}

// Pattern returns the pattern with the given ID.
func (e *Engine) Pattern(id string) (Pattern, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.patterns[id]
	return p, ok
}

// ListPatterns returns all patterns ordered by ID.
func (e *Engine) ListPatterns() []Pattern {
	e.mu.RLock()
	out := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, p)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsBlocked reports whether address is in the blocked set.
func (e *Engine) IsBlocked(address string) bool {
	return e.blocked.contains(address, e.now())
}

// IsChallenged reports whether subject (or address) is in the challenged set.
func (e *Engine) IsChallenged(subject string) bool {
	return e.challenged.contains(subject, e.now())
}

// Unblock releases address. It reports whether the address was blocked.
func (e *Engine) Unblock(ctx context.Context, address string) bool {
	if !e.blocked.remove(address) {
		return false
	}
	e.audit(ctx, security.Event{
		Type:          security.EventAddressUnblocked,
		SourceAddress: address,
	})
	return true
}

// Unchallenge releases subject. It reports whether the subject was challenged.
func (e *Engine) Unchallenge(subject string) bool {
	return e.challenged.remove(subject)
}

// ListBlocked returns the active blocked-address holds.
func (e *Engine) ListBlocked() []Hold {
	return e.blocked.list(e.now())
}

// ListChallenged returns the active challenged-subject holds.
func (e *Engine) ListChallenged() []Hold {
	return e.challenged.list(e.now())
}

// ResetCounter clears the counter for (pattern, address, subject).
func (e *Engine) ResetCounter(ctx context.Context, patternID, address, subject string) error {
	if err := e.store.Clear(ctx, e.counterKey(patternID, address, subject)); err != nil {
		return fmt.Errorf("failed to reset threat counter: %w", err)
	}
	return nil
}

func (e *Engine) remember(event security.Event) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	if len(e.recent) < cap(e.recent) {
		e.recent = append(e.recent, event)
		return
	}
	e.recent[e.next] = event
	e.next = (e.next + 1) % len(e.recent)
}

// RecentEvents returns up to n of the most recent threat events, newest first.
// n <= 0 returns all retained events.
func (e *Engine) RecentEvents(n int) []security.Event {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	size := len(e.recent)
	if n <= 0 || n > size {
		n = size
	}

	// Newest element sits just before next once the buffer has wrapped.
	newest := size - 1
	if size == cap(e.recent) {
		newest = (e.next - 1 + size) % size
	}

	out := make([]security.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, e.recent[(newest-i+size)%size])
	}
	return out
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	patterns := len(e.patterns)
	enabled := 0
	for _, p := range e.patterns {
		if p.Enabled {
			enabled++
		}
	}
	e.mu.RUnlock()

	return Stats{
		Patterns:        patterns,
		EnabledPatterns: enabled,
		Checks:          e.checks.Load(),
		Detections:      e.detections.Load(),
		UnknownPatterns: e.unknown.Load(),
		Blocked:         len(e.ListBlocked()),
		Challenged:      len(e.ListChallenged()),
		AlertsSent:      e.alerts.sent.Load(),
		AlertsDropped:   e.alerts.dropped.Load(),
		AlertsFailed:    e.alerts.failed.Load(),
	}
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return e.tracer.Start(ctx, name)
}
