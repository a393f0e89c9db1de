package security

import "time"

// TimeUntil returns the time left before expiresAt, never negative.
// A zero expiresAt means no expiry and yields the maximum duration.
func TimeUntil(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsExpiringSoon reports whether expiresAt falls within threshold of now.
func IsExpiringSoon(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(threshold).Before(expiresAt)
}
