package security

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_Record(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		event     Event
		wantLog   bool
		wantLevel string
	}{
		{
			name:    "disabled auditor writes nothing",
			enabled: false,
			event:   Event{Type: EventThreatDetected},
		},
		{
			name:      "medium severity logs at info",
			enabled:   true,
			event:     Event{Type: EventThreatDetected, Severity: "medium", SubjectID: "user-1"},
			wantLog:   true,
			wantLevel: "level=INFO",
		},
		{
			name:      "high severity logs at warn",
			enabled:   true,
			event:     Event{Type: EventAddressBlocked, Severity: "high", SourceAddress: "9.9.9.9"},
			wantLog:   true,
			wantLevel: "level=WARN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			if err := auditor.Record(context.Background(), tt.event); err != nil {
				t.Fatalf("Record() error = %v", err)
			}

			out := buf.String()
			if (out != "") != tt.wantLog {
				t.Fatalf("log output = %q, wantLog %v", out, tt.wantLog)
			}
			if !tt.wantLog {
				return
			}
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("log output %q missing %q", out, tt.wantLevel)
			}
			if !strings.Contains(out, "event_type="+tt.event.Type) {
				t.Errorf("log output %q missing event type", out)
			}
			if !strings.Contains(out, "event_id=") {
				t.Errorf("log output %q missing generated event ID", out)
			}
			if tt.event.SubjectID != "" && strings.Contains(out, tt.event.SubjectID) {
				t.Errorf("log output leaks raw subject: %q", out)
			}
		})
	}
}

func TestAuditor_Throttle(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	th := NewThrottle(0.001, 2, nil)
	defer th.Stop()
	auditor.SetThrottle(th)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		auditor.LogEvent(ctx, Event{Type: EventRateLimitExceeded, SourceAddress: "1.2.3.4"})
	}

	if got := strings.Count(buf.String(), "security_audit"); got != 2 {
		t.Errorf("logged %d records, want 2", got)
	}
	if got := th.Stats().Suppressed; got != 3 {
		t.Errorf("Suppressed = %d, want 3", got)
	}
}

func TestFanout(t *testing.T) {
	var got []string
	ok := SinkFunc(func(_ context.Context, e Event) error {
		got = append(got, "ok:"+e.Type)
		return nil
	})
	failing := SinkFunc(func(_ context.Context, e Event) error {
		got = append(got, "fail:"+e.Type)
		return errors.New("sink down")
	})

	sink := Fanout(failing, nil, ok)
	err := sink.Record(context.Background(), Event{Type: "x"})
	if err == nil {
		t.Fatal("Record() should surface the failing sink's error")
	}
	if len(got) != 2 || got[0] != "fail:x" || got[1] != "ok:x" {
		t.Errorf("sinks called = %v, want both in order", got)
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q", got)
	}

	a := HashForLogging("user-1")
	b := HashForLogging("user-1")
	c := HashForLogging("user-2")

	if a != b {
		t.Error("HashForLogging() should be deterministic")
	}
	if a == c {
		t.Error("HashForLogging() should differ for different inputs")
	}
	if len(a) != 16 {
		t.Errorf("len(HashForLogging()) = %d, want 16", len(a))
	}
}
