// Package instrumentation provides OpenTelemetry metrics and tracing for the
// guard subsystem.
//
// A nil *Instrumentation is valid everywhere and behaves as disabled, so
// components accept one optionally and never branch on it.
//
// # Metrics
//
// Counters:
//   - guard.threat.checks.total{pattern}
//   - guard.threat.detected.total{pattern, severity, reaction}
//   - guard.threat.alerts.dropped.total{reason}
//   - guard.rate_limit.exceeded.total{limiter_type}
//   - guard.lockout.activated.total
//   - guard.csrf.issued.total
//   - guard.csrf.validations.total{result}
//   - guard.session.refresh.total{result}
//   - guard.audit.events.total{event_type}
//   - guard.audit.sink_errors.total
//   - guard.storage.operation.total{operation, result}
//
// Histograms:
//   - guard.session.refresh.duration (ms)
//   - guard.storage.operation.duration{operation} (ms)
//
// Gauges, fed through RegisterGaugeCallbacks:
//   - guard.counter.entries
//   - guard.blocked.addresses
//   - guard.csrf.tokens
//
// Metrics are exported through the Prometheus pull exporter when
// MetricsExporter is "prometheus". Serve PrometheusRegistry with promhttp.
//
// # Cardinality
//
// Labels are restricted to fixed sets (pattern IDs, reactions, outcomes).
// Source addresses and subjects never become labels.
//
// # Security Considerations
//
// CSRF tokens, session tokens and raw subjects must never be attached to spans
// or metrics. Source addresses are attached to spans only when LogClientIPs is
// set.
package instrumentation
