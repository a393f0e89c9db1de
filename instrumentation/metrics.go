package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the guard subsystem.
// Every Record* method is safe to call on a nil *Metrics.
type Metrics struct {
	// Threat engine
	ThreatChecks   metric.Int64Counter
	ThreatDetected metric.Int64Counter
	AlertsDropped  metric.Int64Counter

	// Rate limiting and lockout
	RateLimitExceeded metric.Int64Counter
	LockoutActivated  metric.Int64Counter

	// CSRF
	CSRFIssued      metric.Int64Counter
	CSRFValidations metric.Int64Counter

	// Session lifecycle
	SessionRefreshes       metric.Int64Counter
	SessionRefreshDuration metric.Float64Histogram

	// Audit
	AuditEventsTotal metric.Int64Counter
	AuditSinkErrors  metric.Int64Counter

	// Storage
	StoreOperationTotal    metric.Int64Counter
	StoreOperationDuration metric.Float64Histogram

	// Gauges
	CounterEntries   metric.Int64ObservableGauge
	BlockedAddresses metric.Int64ObservableGauge
	CSRFTokens       metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	threatMeter := inst.Meter("threat")
	limiterMeter := inst.Meter("limiter")
	csrfMeter := inst.Meter("csrf")
	sessionMeter := inst.Meter("session")
	auditMeter := inst.Meter("audit")
	storageMeter := inst.Meter("storage")
	gaugeMeter := inst.Meter("gauges")

	var err error

	m.ThreatChecks, err = threatMeter.Int64Counter(
		"guard.threat.checks.total",
		metric.WithDescription("Total number of threat pattern checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.checks.total counter: %w", err)
	}

	m.ThreatDetected, err = threatMeter.Int64Counter(
		"guard.threat.detected.total",
		metric.WithDescription("Number of threat pattern thresholds crossed"),
		metric.WithUnit("{threat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.detected.total counter: %w", err)
	}

	m.AlertsDropped, err = threatMeter.Int64Counter(
		"guard.threat.alerts.dropped.total",
		metric.WithDescription("Alerts dropped because the dispatch queue was full or throttled"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.alerts.dropped.total counter: %w", err)
	}

	m.RateLimitExceeded, err = limiterMeter.Int64Counter(
		"guard.rate_limit.exceeded.total",
		metric.WithDescription("Number of rate limit decisions that denied a request"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded.total counter: %w", err)
	}

	m.LockoutActivated, err = limiterMeter.Int64Counter(
		"guard.lockout.activated.total",
		metric.WithDescription("Number of lockouts applied"),
		metric.WithUnit("{lockout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lockout.activated.total counter: %w", err)
	}

	m.CSRFIssued, err = csrfMeter.Int64Counter(
		"guard.csrf.issued.total",
		metric.WithDescription("Number of CSRF tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.issued.total counter: %w", err)
	}

	m.CSRFValidations, err = csrfMeter.Int64Counter(
		"guard.csrf.validations.total",
		metric.WithDescription("Number of CSRF token validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.validations.total counter: %w", err)
	}

	m.SessionRefreshes, err = sessionMeter.Int64Counter(
		"guard.session.refresh.total",
		metric.WithDescription("Number of session refresh outcomes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.refresh.total counter: %w", err)
	}

	m.SessionRefreshDuration, err = sessionMeter.Float64Histogram(
		"guard.session.refresh.duration",
		metric.WithDescription("Host refresh call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.refresh.duration histogram: %w", err)
	}

	m.AuditEventsTotal, err = auditMeter.Int64Counter(
		"guard.audit.events.total",
		metric.WithDescription("Total number of audit events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.AuditSinkErrors, err = auditMeter.Int64Counter(
		"guard.audit.sink_errors.total",
		metric.WithDescription("Audit sink failures (events are dropped, never retried)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.sink_errors.total counter: %w", err)
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"guard.storage.operation.total",
		metric.WithDescription("Total number of counter store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"guard.storage.operation.duration",
		metric.WithDescription("Counter store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.CounterEntries, err = gaugeMeter.Int64ObservableGauge(
		"guard.counter.entries",
		metric.WithDescription("Current number of counter records held in memory"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter.entries gauge: %w", err)
	}

	m.BlockedAddresses, err = gaugeMeter.Int64ObservableGauge(
		"guard.blocked.addresses",
		metric.WithDescription("Current number of blocked source addresses"),
		metric.WithUnit("{address}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked.addresses gauge: %w", err)
	}

	m.CSRFTokens, err = gaugeMeter.Int64ObservableGauge(
		"guard.csrf.tokens",
		metric.WithDescription("Current number of outstanding CSRF tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens gauge: %w", err)
	}

	return m, nil
}

// RecordThreatCheck records a threat pattern evaluation
func (m *Metrics) RecordThreatCheck(ctx context.Context, patternID string) {
	if m == nil {
		return
	}
	m.ThreatChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern", patternID),
	))
}

// RecordThreatDetected records a crossed threat threshold and the reaction taken
func (m *Metrics) RecordThreatDetected(ctx context.Context, patternID, severity, reaction string) {
	if m == nil {
		return
	}
	m.ThreatDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pattern", patternID),
		attribute.String("severity", severity),
		attribute.String("reaction", reaction),
	))
}

// RecordAlertDropped records an alert that was not forwarded
func (m *Metrics) RecordAlertDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AlertsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordLockout records a lockout being applied
func (m *Metrics) RecordLockout(ctx context.Context) {
	if m == nil {
		return
	}
	m.LockoutActivated.Add(ctx, 1)
}

// RecordCSRFIssued records a CSRF token issuance
func (m *Metrics) RecordCSRFIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.CSRFIssued.Add(ctx, 1)
}

// RecordCSRFValidation records a CSRF validation outcome ("valid", "invalid", "expired")
func (m *Metrics) RecordCSRFValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CSRFValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordSessionRefresh records a session refresh outcome
func (m *Metrics) RecordSessionRefresh(ctx context.Context, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.SessionRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	if durationMs > 0 {
		m.SessionRefreshDuration.Record(ctx, durationMs)
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordAuditSinkError records a failed audit sink write
func (m *Metrics) RecordAuditSinkError(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuditSinkErrors.Add(ctx, 1)
}

// RecordStoreOperation records a counter store operation
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StoreOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
