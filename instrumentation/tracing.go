package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never attach CSRF tokens, session tokens or raw subject
// identifiers to spans. Only attach metadata such as pattern IDs, reactions,
// counts and outcomes.
const (
	// Threat engine attributes
	AttrPatternID = "guard.threat.pattern_id"
	AttrSeverity  = "guard.threat.severity"
	AttrReaction  = "guard.threat.reaction"
	AttrCount     = "guard.threat.count"
	AttrThreat    = "guard.threat.detected"

	// Session attributes
	AttrRefreshResult   = "guard.session.refresh_result"
	AttrRefreshAttempts = "guard.session.refresh_attempts"
	AttrRefreshFallback = "guard.session.refresh_fallback"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrSourceAddress = "security.source_address"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddThreatAttributes adds the outcome of a threat check to a span (nil-safe)
func AddThreatAttributes(span trace.Span, patternID string, count int, detected bool) {
	SetSpanAttributes(span,
		attribute.String(AttrPatternID, patternID),
		attribute.Int(AttrCount, count),
		attribute.Bool(AttrThreat, detected),
	)
}

// AddReactionAttributes adds severity and reaction to a span (nil-safe)
func AddReactionAttributes(span trace.Span, severity, reaction string) {
	SetSpanAttributes(span,
		attribute.String(AttrSeverity, severity),
		attribute.String(AttrReaction, reaction),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the source address to a span (nil-safe)
//
// PRIVACY NOTE: Source addresses may be considered PII. Check
// Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, sourceAddress string) {
	if sourceAddress != "" {
		SetSpanAttributes(span, attribute.String(AttrSourceAddress, sourceAddress))
	}
}
