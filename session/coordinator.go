package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/security"
)

const refreshKey = "refresh"

// Coordinator is the session lifecycle coordinator.
//
// It moves between Stopped and Monitoring with Start and Stop, any number of
// times. Close is terminal.
type Coordinator struct {
	provider Provider
	config   Config
	hooks    Hooks
	bus      Bus
	sink     security.Sink
	id       string

	group singleflight.Group

	mu            sync.Mutex
	attempts      int
	lastRefreshAt time.Time
	cooldownUntil time.Time
	warningShown  bool
	generation    uint64
	running       bool
	closed        bool
	cancel        context.CancelFunc

	busCancel context.CancelFunc

	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHooks sets lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// WithBus subscribes the coordinator to cross-instance notifications.
func WithBus(b Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithAuditSink records lifecycle events to sink.
func WithAuditSink(sink security.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithInstrumentation enables refresh metrics and spans.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(c *Coordinator) {
		c.instrumentation = inst
		if inst != nil {
			c.tracer = inst.Tracer("session")
		}
	}
}

// NewCoordinator creates a stopped coordinator. When a bus is configured the
// subscription starts immediately and lives until Close.
func NewCoordinator(provider Provider, config Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("session provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	c := &Coordinator{
		provider: provider,
		config:   config,
		id:       uuid.NewString(),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		notes, err := c.bus.Subscribe(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to session bus: %w", err)
		}
		c.busCancel = cancel
		go c.listen(notes)
	}

	return c, nil
}

// Start begins monitoring: one immediate health check, then one every
// CheckInterval. It is a no-op while already monitoring.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel

	go c.monitor(ctx)

	c.logger.Debug("Session monitoring started", "interval", c.config.CheckInterval)
	return nil
}

// Stop cancels the timer and clears attempt state. A refresh still in
// flight may finish but its outcome is discarded. Stop does not wait for a
// running health check, so hooks may call it. Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	c.resetLocked()
	c.generation++
	c.logger.Debug("Session monitoring stopped")
}

// Close stops monitoring and the bus subscription. The coordinator cannot be
// restarted.
func (c *Coordinator) Close() {
	c.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.busCancel != nil {
		c.busCancel()
	}
}

// Running reports whether monitoring is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Resume runs an immediate health check if monitoring is active. Hosts call
// it when the client regains the foreground after a suspension.
func (c *Coordinator) Resume(ctx context.Context) {
	if !c.Running() {
		return
	}
	c.Check(ctx)
}

// Status fetches the current session and derives its status.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	sess, err := c.provider.CurrentSession(ctx)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return Status{}, fmt.Errorf("failed to get current session: %w", err)
	}
	if sess == nil {
		return Status{}, ErrNoSession
	}

	now := c.now()
	c.mu.Lock()
	canRefresh := !c.closed &&
		!now.Before(c.cooldownUntil) &&
		c.attempts < c.config.MaxRefreshAttempts
	c.mu.Unlock()

	return Status{
		Valid:           sess.ExpiresAt.IsZero() || now.Before(sess.ExpiresAt),
		ExpiresAt:       sess.ExpiresAt,
		TimeUntilExpiry: security.TimeUntil(sess.ExpiresAt, now),
		ExpiringSoon:    security.IsExpiringSoon(sess.ExpiresAt, now, c.config.WarnThreshold),
		NeedsRefresh:    security.IsExpiringSoon(sess.ExpiresAt, now, c.config.RefreshThreshold),
		CanRefresh:      canRefresh,
	}, nil
}

// Check runs one health check: warn once when expiry is near, refresh when
// it is inside the refresh threshold.
func (c *Coordinator) Check(ctx context.Context) {
	status, err := c.Status(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			c.logger.Debug("No session to monitor")
		} else {
			c.logger.Error("Session health check failed", "error", err)
		}
		return
	}

	if status.NeedsRefresh {
		if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrReauthRequired) {
			c.logger.Warn("Session refresh during health check failed", "error", err)
		}
		return
	}

	if !status.ExpiringSoon {
		return
	}

	c.mu.Lock()
	if c.warningShown || c.closed {
		c.mu.Unlock()
		return
	}
	c.warningShown = true
	hook := c.hooks.OnExpiryWarning
	c.mu.Unlock()

	c.logger.Info("Session expiring soon", "time_until_expiry", status.TimeUntilExpiry)
	c.audit(ctx, security.Event{
		Type:    security.EventSessionExpiring,
		Details: map[string]any{"expires_at": status.ExpiresAt},
	})
	if hook != nil {
		hook(status)
	}
}

// Refresh refreshes the session. Concurrent callers share a single host
// refresh and all observe its result. It returns nil on success or when a
// refresh happened less than MinRefreshInterval ago, ErrReauthRequired while
// the retry ceiling or its cooldown is in effect, and an ErrRefreshFailed
// wrap otherwise. ctx only bounds how long this caller waits; the shared
// refresh is bounded by RefreshTimeout.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh()
	})

	select {
	case res := <-ch:
		runSettled(res)
		return res.Err
	case <-ctx.Done():
		// The hook still runs once the shared refresh settles.
		go func() { runSettled(<-ch) }()
		return ctx.Err()
	}
}

// settled carries a hook out of the shared refresh, so it runs after the
// in-flight call is released and a hook may call Refresh itself. Every joined
// caller receives the same value; the first to get it runs the hook.
type settled struct {
	once sync.Once
	hook func()
}

func (s *settled) run() {
	if s != nil && s.hook != nil {
		s.once.Do(s.hook)
	}
}

func runSettled(res singleflight.Result) {
	if s, ok := res.Val.(*settled); ok {
		s.run()
	}
}

func (c *Coordinator) refresh() (*settled, error) {
	now := c.now()

	c.mu.Lock()
	switch {
	case now.Before(c.cooldownUntil):
		until := c.cooldownUntil
		c.mu.Unlock()
		c.instrumentation.Metrics().RecordSessionRefresh(context.Background(), "cooldown", 0)
		return nil, fmt.Errorf("%w: cooling down until %s", ErrReauthRequired, until.Format(time.RFC3339))

	case c.attempts >= c.config.MaxRefreshAttempts:
		attempts := c.attempts
		c.attempts = 0
		c.cooldownUntil = now.Add(c.config.Cooldown)
		hook := c.hooks.OnReauthRequired
		if c.closed {
			hook = nil
		}
		c.mu.Unlock()

		err := fmt.Errorf("%w: %d consecutive refresh failures", ErrReauthRequired, attempts)
		c.logger.Warn("Session refresh ceiling reached",
			"attempts", attempts,
			"cooldown", c.config.Cooldown)
		c.instrumentation.Metrics().RecordSessionRefresh(context.Background(), "reauth_required", 0)
		c.audit(context.Background(), security.Event{
			Type:     security.EventSessionReauthRequired,
			Severity: "medium",
			Details:  map[string]any{"attempts": attempts},
		})
		if hook == nil {
			return nil, err
		}
		return &settled{hook: func() { hook(err) }}, err

	case !c.lastRefreshAt.IsZero() && now.Sub(c.lastRefreshAt) < c.config.MinRefreshInterval:
		c.mu.Unlock()
		c.instrumentation.Metrics().RecordSessionRefresh(context.Background(), "skipped", 0)
		return nil, nil
	}

	c.lastRefreshAt = now
	gen := c.generation
	c.mu.Unlock()

	return c.perform(gen)
}

func (c *Coordinator) perform(gen uint64) (*settled, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RefreshTimeout)
	defer cancel()

	ctx, span := c.startSpan(ctx, "session.refresh")
	defer span.End()

	start := time.Now()
	err := callWithTimeout(ctx, c.provider.Refresh)

	usedFallback := false
	if fb, ok := c.provider.(FallbackRefresher); ok && err != nil && ctx.Err() == nil {
		usedFallback = true
		c.logger.Debug("Primary session refresh failed, trying fallback", "error", err)
		if fbErr := callWithTimeout(ctx, fb.RefreshFallback); fbErr != nil {
			err = errors.Join(err, fbErr)
		} else {
			err = nil
		}
	}
	duration := float64(time.Since(start).Milliseconds())

	c.mu.Lock()
	if gen != c.generation {
		// Stopped while in flight; state was already reset.
		c.mu.Unlock()
		return nil, c.result(err)
	}
	if err != nil {
		c.attempts++
	} else {
		c.attempts = 0
		c.warningShown = false
	}
	attempts := c.attempts
	onRefreshed := c.hooks.OnRefreshed
	closed := c.closed
	c.mu.Unlock()

	instrumentation.SetSpanAttributes(span,
		attribute.Int(instrumentation.AttrRefreshAttempts, attempts),
		attribute.Bool(instrumentation.AttrRefreshFallback, usedFallback))

	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRefreshResult, "failure"))
		c.instrumentation.Metrics().RecordSessionRefresh(ctx, "failure", duration)
		c.logger.Warn("Session refresh failed",
			"attempts", attempts,
			"max_attempts", c.config.MaxRefreshAttempts,
			"fallback", usedFallback,
			"error", err)
		c.audit(ctx, security.Event{
			Type:    security.EventSessionRefreshFailed,
			Details: map[string]any{"attempts": attempts, "fallback": usedFallback},
		})
		return nil, c.result(err)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRefreshResult, "success"))
	instrumentation.SetSpanSuccess(span)
	c.instrumentation.Metrics().RecordSessionRefresh(ctx, "success", duration)
	c.logger.Info("Session refreshed", "fallback", usedFallback)
	c.audit(ctx, security.Event{
		Type:    security.EventSessionRefreshed,
		Details: map[string]any{"fallback": usedFallback},
	})

	c.publish(SignalSessionRefreshed)
	if onRefreshed == nil || closed {
		return nil, nil
	}
	return &settled{hook: onRefreshed}, nil
}

func (c *Coordinator) result(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}

// callWithTimeout runs fn and gives up when ctx ends, even if fn ignores ctx.
func callWithTimeout(ctx context.Context, fn func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("host refresh did not complete: %w", ctx.Err())
	}
}

// ResetAttempts clears the failure count and any cooldown.
func (c *Coordinator) ResetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.cooldownUntil = time.Time{}
	c.mu.Unlock()
}

// Attempts returns the number of consecutive failed refreshes.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Coordinator) resetLocked() {
	c.attempts = 0
	c.warningShown = false
	c.lastRefreshAt = time.Time{}
}

// SessionCleared tells other instances the session ended here, for example
// on logout, and stops local monitoring.
func (c *Coordinator) SessionCleared(ctx context.Context) error {
	c.Stop()
	if c.bus == nil {
		return nil
	}
	return c.bus.Publish(ctx, Notification{
		Signal: SignalSessionCleared,
		Origin: c.id,
		At:     c.now(),
	})
}

func (c *Coordinator) publish(signal Signal) {
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(context.Background(), Notification{
		Signal: signal,
		Origin: c.id,
		At:     c.now(),
	})
	if err != nil {
		c.logger.Error("Failed to publish session notification", "signal", signal, "error", err)
	}
}

func (c *Coordinator) listen(notes <-chan Notification) {
	for n := range notes {
		if n.Origin == c.id {
			continue
		}
		c.handle(n)
	}
}

func (c *Coordinator) handle(n Notification) {
	switch n.Signal {
	case SignalSessionCleared:
		// Another instance logged out: local recovery would resurrect a
		// session the user ended, so hand control back to the host.
		c.Stop()

		c.mu.Lock()
		hook := c.hooks.OnSessionCleared
		closed := c.closed
		c.mu.Unlock()

		c.logger.Info("Session cleared by another instance", "origin", n.Origin)
		c.audit(context.Background(), security.Event{
			Type:    security.EventSessionCleared,
			Details: map[string]any{"origin": n.Origin},
		})
		if hook != nil && !closed {
			hook()
		}

	case SignalSessionRefreshed:
		c.mu.Lock()
		c.attempts = 0
		c.cooldownUntil = time.Time{}
		c.warningShown = false
		c.lastRefreshAt = c.now()
		c.mu.Unlock()
		c.logger.Debug("Session refreshed by another instance", "origin", n.Origin)

	default:
		c.logger.Warn("Unknown session signal", "signal", n.Signal)
	}
}

func (c *Coordinator) audit(ctx context.Context, event security.Event) {
	if c.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now()
	}
	if err := c.sink.Record(ctx, event); err != nil {
		c.instrumentation.Metrics().RecordAuditSinkError(ctx)
		c.logger.Error("Audit sink failed", "event_type", event.Type, "error", err)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return c.tracer.Start(ctx, name)
}
