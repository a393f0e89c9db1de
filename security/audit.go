package security

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/giantswarm/guard/instrumentation"
)

// Event is a structured audit record. Threat detections, lockouts and
// session lifecycle changes are all reported in this shape.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SubjectID     string         `json:"subject_id,omitempty"`
	PatternID     string         `json:"pattern_id,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Reaction      string         `json:"reaction,omitempty"`
	SourceAddress string         `json:"source_address,omitempty"`
	SourceAgent   string         `json:"source_agent,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink receives audit events. Implementations may fail; callers log the
// failure and carry on, they never retry or propagate it.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Record calls f(ctx, event).
func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type fanout []Sink

// Fanout returns a Sink that records to every non-nil sink in order.
// All sinks are attempted; their errors are joined.
func Fanout(sinks ...Sink) Sink {
	var out fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Auditor handles security event logging with PII protection.
// It is the default Sink: events are written as structured log records.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	throttle        *Throttle
	instrumentation *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetThrottle limits how many records per event type and source address are
// written. Suppressed events are counted by the throttle, not logged.
func (a *Auditor) SetThrottle(t *Throttle) {
	a.throttle = t
}

// SetInstrumentation enables audit event metrics.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// Record logs the event. It never fails.
func (a *Auditor) Record(ctx context.Context, event Event) error {
	a.LogEvent(ctx, event)
	return nil
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if a.throttle != nil && !a.throttle.Allow(event.Type+"|"+event.SourceAddress) {
		return
	}

	a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)

	level := slog.LevelInfo
	if event.Severity == "high" || event.Severity == "critical" {
		level = slog.LevelWarn
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"subject_hash", HashForLogging(event.SubjectID),
		"pattern_id", event.PatternID,
		"severity", event.Severity,
		"reaction", event.Reaction,
		"source_address", event.SourceAddress,
		"source_agent", event.SourceAgent,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// HashForLogging returns a short blake2b digest of sensitive data so that
// log lines can be correlated without revealing the value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := blake2b.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
