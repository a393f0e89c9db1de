package security

// Event type constants for security audit logging.
const (
	// Threat engine events

	// EventThreatDetected is recorded when a pattern threshold is crossed
	EventThreatDetected = "threat_detected"

	// EventAddressBlocked is recorded when a source address enters the blocked set
	EventAddressBlocked = "address_blocked"

	// EventAddressUnblocked is recorded when a blocked address is released manually
	EventAddressUnblocked = "address_unblocked"

	// EventSubjectChallenged is recorded when a subject enters the challenged set
	EventSubjectChallenged = "subject_challenged"

	// EventThreatAlert is recorded when an alert is handed to the alerting collaborator
	EventThreatAlert = "threat_alert"

	// EventUnknownPattern is recorded when a check references an unknown or disabled pattern
	EventUnknownPattern = "unknown_pattern"

	// Rate limiting events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventLockoutActivated is logged when an identifier reaches the attempt threshold
	EventLockoutActivated = "lockout_activated"

	// EventLockoutCleared is logged when attempts are forgiven after success
	EventLockoutCleared = "lockout_cleared"

	// CSRF events

	// EventCSRFValidationFailed is logged when an unknown or expired token is presented
	EventCSRFValidationFailed = "csrf_validation_failed"

	// Session lifecycle events

	// EventSessionExpiring is logged once per validity period when expiry is near
	EventSessionExpiring = "session_expiring"

	// EventSessionRefreshed is logged after a successful refresh
	EventSessionRefreshed = "session_refreshed"

	// EventSessionRefreshFailed is logged after a failed refresh attempt
	EventSessionRefreshFailed = "session_refresh_failed"

	// EventSessionReauthRequired is logged when the retry ceiling is reached
	EventSessionReauthRequired = "session_reauth_required"

	// EventSessionCleared is logged when another instance signals the session was cleared
	EventSessionCleared = "session_cleared"
)
