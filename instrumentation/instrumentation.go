package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/otlptranslator"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "guard"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// ExporterPrometheus selects the Prometheus pull exporter for metrics
	ExporterPrometheus = "prometheus"

	// ExporterNone keeps metrics in no-op mode even when instrumentation is enabled
	ExporterNone = "none"

	scopePrefix = "github.com/giantswarm/guard/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "guard", "task-scheduler")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MetricsExporter selects the metrics exporter: "prometheus" or "none".
	// Empty means "none".
	MetricsExporter string

	// Registry receives the Prometheus collectors when MetricsExporter is
	// "prometheus". If nil, a private registry is created and exposed through
	// PrometheusRegistry.
	Registry *prometheus.Registry

	// TracerProvider is used for spans when set. Defaults to a no-op provider.
	TracerProvider trace.TracerProvider

	// LogClientIPs controls whether source addresses are attached to spans.
	// Source addresses may be PII under GDPR; leave false unless required.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components.
// A nil *Instrumentation is valid and behaves as disabled.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterNone
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders initializes metric and trace providers based on configuration
func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		registry := i.config.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		// Underscore names (guard_threat_checks_total) regardless of the
		// registry's UTF-8 name validation mode.
		exporter, err := otelprom.New(
			otelprom.WithRegisterer(registry),
			otelprom.WithTranslationStrategy(otlptranslator.UnderscoreEscapingWithSuffixes),
		)
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(i.resource),
			sdkmetric.WithReader(exporter),
		)
		i.meterProvider = mp
		i.registry = registry
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}

	return nil
}

// Shutdown flushes and stops the providers created by New. Providers passed
// in through Config are left to their owner. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	if i == nil {
		return nil
	}
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
	})
	return errors.Join(errs...)
}

// Meter returns a named meter for the given scope.
// Scopes are component names like "threat", "limiter", "csrf", "session", "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	if i == nil {
		return noop.NewMeterProvider().Meter(scopePrefix + scope)
	}
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(scopePrefix + scope)
	}
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
// Returns nil on a nil receiver; all Metrics methods accept a nil receiver.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the provider spans are created from. A nil or
// disabled Instrumentation yields a no-op provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	if i == nil || i.tracerProvider == nil {
		return tracenoop.NewTracerProvider()
	}
	return i.tracerProvider
}

// MeterProvider returns the provider guard instruments are created from,
// for hosts that want to register their own instruments alongside them.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	if i == nil || i.meterProvider == nil {
		return noop.NewMeterProvider()
	}
	return i.meterProvider
}

// PrometheusRegistry returns the registry backing the Prometheus exporter, or
// nil when Prometheus export is not active.
func (i *Instrumentation) PrometheusRegistry() *prometheus.Registry {
	if i == nil {
		return nil
	}
	return i.registry
}

// ShouldLogClientIPs returns whether source addresses should be attached to spans
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i != nil && i.config.LogClientIPs
}

// GaugeCallback returns the current size of a tracked component
type GaugeCallback func() int64

// RegisterGaugeCallbacks registers callbacks for the size gauges.
// Components call this once after instrumentation is attached; nil callbacks are skipped.
func (i *Instrumentation) RegisterGaugeCallbacks(counterEntries, blockedAddresses, csrfTokens GaugeCallback) error {
	if i == nil {
		return nil
	}
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	// Observable instruments must be registered on the meter that created them.
	meter := i.Meter("gauges")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if counterEntries != nil {
				observer.ObserveInt64(i.metrics.CounterEntries, counterEntries())
			}
			if blockedAddresses != nil {
				observer.ObserveInt64(i.metrics.BlockedAddresses, blockedAddresses())
			}
			if csrfTokens != nil {
				observer.ObserveInt64(i.metrics.CSRFTokens, csrfTokens())
			}
			return nil
		},
		i.metrics.CounterEntries,
		i.metrics.BlockedAddresses,
		i.metrics.CSRFTokens,
	)

	return err
}
