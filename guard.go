// Package guard composes the security guard subsystem: attempt limiting and
// lockout, CSRF tokens, threat pattern detection and the audit trail, behind
// a single Guard value owned by the host's composition root.
//
// A Guard answers policy questions with values (Decision, threat.Result,
// booleans); it never fails a request because a collaborator (counter store,
// audit sink, alerter) is unavailable. Middleware turns decisions into HTTP
// responses for net/http hosts; see fiberguard for Fiber.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/guard/csrf"
	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/limiter"
	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/session"
	"github.com/giantswarm/guard/storage"
	auditdb "github.com/giantswarm/guard/storage/buntdb"
	"github.com/giantswarm/guard/storage/memory"
	"github.com/giantswarm/guard/storage/valkey"
	"github.com/giantswarm/guard/threat"
)

// Action is the outcome of an admission check
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
	ActionLimited   Action = "limited"
)

// Decision reasons
const (
	ReasonAddressBlocked   = "address_blocked"
	ReasonSubjectChallenge = "subject_challenged"
	ReasonLockedOut        = "locked_out"
	ReasonThreatPrefix     = "threat:"
)

// Request carries what the host knows about an inbound request.
// The guard does no header parsing of its own outside Middleware.
type Request struct {
	SourceAddress string
	SourceAgent   string
	SubjectID     string

	// Identifier is the limiter identifier checked for lockout.
	// Defaults to AddressIdentifier(SourceAddress).
	Identifier string
}

// Decision is the admission verdict for a Request
type Decision struct {
	Action Action
	Reason string

	// RetryAfter is set for limited decisions with an active lock
	RetryAfter time.Duration
}

// Allowed reports whether the request may proceed
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow || d.Action == ""
}

// AddressIdentifier is the limiter identifier Admit uses for an address.
// Record failed logins against it to have Middleware enforce the lockout.
func AddressIdentifier(address string) string {
	return "ip:" + address
}

// Guard is the composition root of the guard subsystem.
// It is safe for concurrent use.
type Guard struct {
	config *Config

	store    storage.CounterStore
	limiter  *limiter.Limiter
	csrf     *csrf.Registry
	threats  *threat.Engine
	auditLog *auditdb.Sink
	sink     security.Sink

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	now             func() time.Time

	// closers release what New created, in reverse order
	closers []func(context.Context) error
}

// Option configures a Guard
type Option func(*options)

type options struct {
	alerter         threat.Alerter
	sinks           []security.Sink
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// WithAlerter forwards alert reactions to a
func WithAlerter(a threat.Alerter) Option {
	return func(o *options) { o.alerter = a }
}

// WithAuditSink adds a sink next to the configured ones
func WithAuditSink(sink security.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// WithInstrumentation shares an existing instrumentation instance instead of
// creating one from Config.Instrumentation. The caller keeps ownership.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *options) { o.instrumentation = inst }
}

// WithClock replaces the time source of every component (for testing)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a Guard. When store is nil a counter store is opened from
// config.Storage and closed by Stop. A nil config means DefaultConfig.
func New(store storage.CounterStore, config *Config, logger *slog.Logger, opts ...Option) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	applyDefaults(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	warnInsecure(config, logger)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Guard{
		config: config,
		logger: logger,
		now:    time.Now,
	}
	if o.now != nil {
		g.now = o.now
	}

	ok := false
	defer func() {
		if !ok {
			_ = g.Stop(context.Background())
		}
	}()

	if err := g.initInstrumentation(o); err != nil {
		return nil, err
	}

	if store == nil {
		var err error
		if store, err = g.openStore(o.now); err != nil {
			return nil, err
		}
	}
	g.store = store

	if err := g.initAudit(o); err != nil {
		return nil, err
	}

	g.limiter = limiter.New(store, config.Lockout, logger)
	g.limiter.SetAuditSink(g.sink)
	g.limiter.SetInstrumentation(g.instrumentation)

	g.csrf = csrf.New(config.CSRF, logger)
	g.csrf.SetInstrumentation(g.instrumentation)
	g.closers = append(g.closers, func(context.Context) error {
		g.csrf.Stop()
		return nil
	})

	threatOpts := []threat.Option{
		threat.WithAuditSink(g.sink),
		threat.WithInstrumentation(g.instrumentation),
	}
	if o.alerter != nil {
		threatOpts = append(threatOpts, threat.WithAlerter(o.alerter))
	}
	if o.now != nil {
		threatOpts = append(threatOpts, threat.WithClock(o.now))
		g.limiter.SetClock(o.now)
		g.csrf.SetClock(o.now)
	}

	engine, err := threat.New(store, config.Threat, logger, threatOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	g.threats = engine
	g.closers = append(g.closers, engine.Stop)

	logger.Info("Guard initialized",
		"storage", config.Storage.Backend,
		"patterns", len(engine.ListPatterns()),
		"max_attempts", config.Lockout.MaxAttempts,
		"lockout_duration", config.Lockout.LockoutDuration,
		"durable_audit", g.auditLog != nil)

	ok = true
	return g, nil
}

func (g *Guard) initInstrumentation(o options) error {
	if o.instrumentation != nil {
		g.instrumentation = o.instrumentation
		return nil
	}
	if !g.config.Instrumentation.Enabled {
		return nil
	}

	inst, err := instrumentation.New(g.config.Instrumentation.toInstrumentation())
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	g.instrumentation = inst
	g.closers = append(g.closers, inst.Shutdown)
	return nil
}

func (g *Guard) openStore(now func() time.Time) (storage.CounterStore, error) {
	switch g.config.Storage.Backend {
	case StorageValkey:
		s, err := valkey.New(valkey.Config{
			Address:   g.config.Storage.Address,
			Password:  g.config.Storage.Password,
			DB:        g.config.Storage.DB,
			KeyPrefix: g.config.Storage.KeyPrefix,
			Logger:    g.logger,
		})
		if err != nil {
			return nil, err
		}
		s.SetInstrumentation(g.instrumentation)
		if now != nil {
			s.SetClock(now)
		}
		g.closers = append(g.closers, func(context.Context) error {
			s.Close()
			return nil
		})
		return s, nil

	default:
		s := memory.NewWithInterval(g.config.Sweep.Interval, g.config.Sweep.MaxAge)
		s.SetLogger(g.logger)
		s.SetInstrumentation(g.instrumentation)
		if now != nil {
			s.SetClock(now)
		}
		g.closers = append(g.closers, func(context.Context) error {
			s.Stop()
			return nil
		})
		return s, nil
	}
}

func (g *Guard) initAudit(o options) error {
	var sinks []security.Sink

	if !g.config.Audit.Disabled {
		auditor := security.NewAuditor(g.logger, true)
		auditor.SetInstrumentation(g.instrumentation)
		if g.config.Audit.EventsPerSecond > 0 {
			burst := g.config.Audit.Burst
			if burst <= 0 {
				burst = int(math.Ceil(g.config.Audit.EventsPerSecond))
			}
			th := security.NewThrottle(g.config.Audit.EventsPerSecond, burst, g.logger)
			auditor.SetThrottle(th)
			g.closers = append(g.closers, func(context.Context) error {
				th.Stop()
				return nil
			})
		}
		sinks = append(sinks, auditor)
	}

	if g.config.Audit.Path != "" {
		key, err := security.KeyFromBase64(g.config.Audit.EncryptionKey)
		if err != nil {
			return invalidConfig("audit.encryption_key", err.Error())
		}
		db, err := auditdb.Open(auditdb.Config{
			Path:          g.config.Audit.Path,
			Retention:     g.config.Audit.Retention,
			EncryptionKey: key,
			Logger:        g.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		db.SetInstrumentation(g.instrumentation)
		g.auditLog = db
		g.closers = append(g.closers, func(context.Context) error {
			return db.Close()
		})
		sinks = append(sinks, db)
	}

	sinks = append(sinks, o.sinks...)
	g.sink = security.Fanout(sinks...)
	return nil
}

// Stop releases everything New created. Safe to call more than once.
func (g *Guard) Stop(ctx context.Context) error {
	closers := g.closers
	g.closers = nil

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Admit runs the admission checks for req in order: blocked address,
// challenged subject, lockout. The first match decides.
func (g *Guard) Admit(ctx context.Context, req Request) Decision {
	if req.SourceAddress != "" && g.threats.IsBlocked(req.SourceAddress) {
		return Decision{Action: ActionBlock, Reason: ReasonAddressBlocked}
	}

	// Challenges fall back to the address when no subject was known.
	challengeKey := req.SubjectID
	if challengeKey == "" {
		challengeKey = req.SourceAddress
	}
	if challengeKey != "" && g.threats.IsChallenged(challengeKey) {
		return Decision{Action: ActionChallenge, Reason: ReasonSubjectChallenge}
	}

	id := req.Identifier
	if id == "" && req.SourceAddress != "" {
		id = AddressIdentifier(req.SourceAddress)
	}
	if id != "" && g.limiter.IsLimited(ctx, id, g.config.Lockout.MaxAttempts, g.config.Lockout.AttemptWindow) {
		d := Decision{Action: ActionLimited, Reason: ReasonLockedOut}
		if until := g.limiter.LockedUntil(ctx, id); !until.IsZero() {
			d.RetryAfter = security.TimeUntil(until, g.now())
		}
		g.audit(ctx, security.Event{
			Type:          security.EventRateLimitExceeded,
			SubjectID:     req.SubjectID,
			SourceAddress: req.SourceAddress,
			SourceAgent:   req.SourceAgent,
			Details:       map[string]any{"identifier_hash": security.HashForLogging(id)},
		})
		return d
	}

	return Decision{Action: ActionAllow}
}

// DecisionFor converts a threat result into an admission decision.
// Log and alert reactions let the request through.
func DecisionFor(res threat.Result) Decision {
	if !res.Threat {
		return Decision{Action: ActionAllow}
	}
	switch res.Action {
	case threat.ReactionBlock:
		return Decision{Action: ActionBlock, Reason: ReasonThreatPrefix + res.PatternID}
	case threat.ReactionChallenge:
		return Decision{Action: ActionChallenge, Reason: ReasonThreatPrefix + res.PatternID}
	default:
		return Decision{Action: ActionAllow, Reason: ReasonThreatPrefix + res.PatternID}
	}
}

// CheckThreat evaluates one observation against the threat engine
func (g *Guard) CheckThreat(ctx context.Context, c threat.Check) threat.Result {
	return g.threats.CheckThreat(ctx, c)
}

// IsLimited reports whether identifier has reached maxAttempts within window
// or is locked out
func (g *Guard) IsLimited(ctx context.Context, identifier string, maxAttempts int, window time.Duration) bool {
	return g.limiter.IsLimited(ctx, identifier, maxAttempts, window)
}

// RecordAttempt records a failed attempt for identifier
func (g *Guard) RecordAttempt(ctx context.Context, identifier string) limiter.Attempt {
	return g.limiter.RecordAttempt(ctx, identifier)
}

// IsLocked reports whether identifier is locked out
func (g *Guard) IsLocked(ctx context.Context, identifier string) bool {
	return g.limiter.IsLocked(ctx, identifier)
}

// ClearLimit forgives prior failures, typically after a successful login
func (g *Guard) ClearLimit(ctx context.Context, identifier string) error {
	return g.limiter.Clear(ctx, identifier)
}

// IssueCSRFToken issues a new anti-forgery token
func (g *Guard) IssueCSRFToken(ctx context.Context) (string, error) {
	return g.csrf.Issue(ctx)
}

// ValidateCSRFToken reports whether token was issued and has not expired.
// Failures are audited with the request's address when known.
func (g *Guard) ValidateCSRFToken(ctx context.Context, token string) bool {
	return g.checkCSRF(ctx, token, "", false)
}

// ConsumeCSRFToken validates token and revokes it on success
func (g *Guard) ConsumeCSRFToken(ctx context.Context, token string) bool {
	return g.checkCSRF(ctx, token, "", true)
}

func (g *Guard) checkCSRF(ctx context.Context, token, address string, consume bool) bool {
	var valid bool
	if consume {
		valid = g.csrf.Consume(ctx, token)
	} else {
		valid = g.csrf.Validate(ctx, token)
	}
	if !valid {
		g.audit(ctx, security.Event{
			Type:          security.EventCSRFValidationFailed,
			SourceAddress: address,
			Details:       map[string]any{"request_id": security.RequestIDFrom(ctx)},
		})
	}
	return valid
}

// NewCoordinator builds a session coordinator from Config.Session that
// audits and reports metrics through this guard
func (g *Guard) NewCoordinator(provider session.Provider, opts ...session.Option) (*session.Coordinator, error) {
	base := []session.Option{
		session.WithAuditSink(g.sink),
		session.WithInstrumentation(g.instrumentation),
	}
	return session.NewCoordinator(provider, g.config.Session, g.logger, append(base, opts...)...)
}

// Threats returns the threat engine for pattern and hold management
func (g *Guard) Threats() *threat.Engine {
	return g.threats
}

// AuditLog returns the durable audit sink, or nil when Audit.Path is unset
func (g *Guard) AuditLog() *auditdb.Sink {
	return g.auditLog
}

// Instrumentation returns the instrumentation in use (may be nil)
func (g *Guard) Instrumentation() *instrumentation.Instrumentation {
	return g.instrumentation
}

// Config returns the effective configuration
func (g *Guard) Config() *Config {
	return g.config
}

func (g *Guard) audit(ctx context.Context, event security.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = g.now()
	}
	if err := g.sink.Record(ctx, event); err != nil {
		g.instrumentation.Metrics().RecordAuditSinkError(ctx)
		g.logger.Error("Failed to record audit event",
			"event_type", event.Type,
			"error", err)
	}
}
