package security

import (
	"testing"
	"time"
)

func TestExpiryHelpers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		expiresAt    time.Time
		threshold    time.Duration
		wantSoon     bool
		wantTimeLeft time.Duration
	}{
		{
			name:         "far future",
			expiresAt:    now.Add(time.Hour),
			threshold:    10 * time.Minute,
			wantTimeLeft: time.Hour,
		},
		{
			name:         "within threshold",
			expiresAt:    now.Add(4 * time.Minute),
			threshold:    5 * time.Minute,
			wantSoon:     true,
			wantTimeLeft: 4 * time.Minute,
		},
		{
			name:         "exactly at threshold",
			expiresAt:    now.Add(5 * time.Minute),
			threshold:    5 * time.Minute,
			wantSoon:     true,
			wantTimeLeft: 5 * time.Minute,
		},
		{
			name:         "already expired",
			expiresAt:    now.Add(-time.Minute),
			threshold:    time.Minute,
			wantSoon:     true,
			wantTimeLeft: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiringSoon(tt.expiresAt, now, tt.threshold); got != tt.wantSoon {
				t.Errorf("IsExpiringSoon() = %v, want %v", got, tt.wantSoon)
			}
			if got := TimeUntil(tt.expiresAt, now); got != tt.wantTimeLeft {
				t.Errorf("TimeUntil() = %v, want %v", got, tt.wantTimeLeft)
			}
		})
	}
}

func TestExpiryHelpers_ZeroMeansNever(t *testing.T) {
	now := time.Now()
	if IsExpiringSoon(time.Time{}, now, time.Hour) {
		t.Error("zero expiry should never be expiring soon")
	}
	if TimeUntil(time.Time{}, now) <= 0 {
		t.Error("zero expiry should have positive time left")
	}
}
