package threat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/guard/instrumentation"
	"github.com/giantswarm/guard/security"
)

// Alerter forwards threat events to an external alerting system (pager,
// chat webhook, SIEM). Calls happen on a background worker, never on the
// request path.
type Alerter interface {
	Alert(ctx context.Context, event security.Event) error
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, event security.Event) error

// Alert calls f(ctx, event).
func (f AlerterFunc) Alert(ctx context.Context, event security.Event) error {
	return f(ctx, event)
}

// logAlerter is used when no Alerter is configured.
type logAlerter struct {
	logger *slog.Logger
}

func (a logAlerter) Alert(ctx context.Context, event security.Event) error {
	a.logger.WarnContext(ctx, "Threat alert",
		"event_id", event.ID,
		"pattern_id", event.PatternID,
		"severity", event.Severity,
		"source_address", event.SourceAddress,
		"subject_hash", security.HashForLogging(event.SubjectID))
	return nil
}

// dispatcher queues alerts for a single worker. A full queue or a throttled
// pattern drops the alert; enqueue never blocks.
type dispatcher struct {
	alerter  Alerter
	queue    chan security.Event
	throttle *security.Throttle
	timeout  time.Duration
	sink     func(ctx context.Context, event security.Event)
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func newDispatcher(alerter Alerter, queueSize int, throttle *security.Throttle, timeout time.Duration,
	sink func(ctx context.Context, event security.Event), logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		alerter:  alerter,
		sink:     sink,
		queue:    make(chan security.Event, queueSize),
		throttle: throttle,
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(ctx context.Context, event security.Event) bool {
	if d.throttle != nil && !d.throttle.Allow(event.PatternID) {
		d.drop(ctx, event, "throttled")
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ctx, event, "closed")
		return false
	}

	select {
	case d.queue <- event:
		return true
	default:
		d.drop(ctx, event, "queue_full")
		return false
	}
}

func (d *dispatcher) drop(ctx context.Context, event security.Event, reason string) {
	d.dropped.Add(1)
	d.inst.Metrics().RecordAlertDropped(ctx, reason)
	d.logger.Debug("Threat alert dropped",
		"event_id", event.ID,
		"pattern_id", event.PatternID,
		"reason", reason)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *dispatcher) deliver(event security.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.alerter.Alert(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Error("Threat alert delivery failed",
			"event_id", event.ID,
			"pattern_id", event.PatternID,
			"error", err)
		return
	}
	d.sent.Add(1)

	if d.sink != nil {
		d.sink(ctx, security.Event{
			Type:          security.EventThreatAlert,
			SubjectID:     event.SubjectID,
			PatternID:     event.PatternID,
			Severity:      event.Severity,
			Reaction:      event.Reaction,
			SourceAddress: event.SourceAddress,
			Details:       map[string]any{"threat_event_id": event.ID},
		})
	}
}

// close stops accepting alerts and waits for queued ones to be delivered,
// or for ctx to end.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
