package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/guard/security"
)

// ErrInvalidConfig is returned by LoadConfig, Validate and New for unusable
// settings. The wrapping error names the offending field.
var ErrInvalidConfig = errors.New("invalid guard configuration")

func invalidConfig(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, field, reason)
}

// Rejection error codes written by Middleware
const (
	ErrorCodeAddressBlocked     = "address_blocked"
	ErrorCodeRateLimitExceeded  = "rate_limit_exceeded"
	ErrorCodeChallengeRequired  = "challenge_required"
	ErrorCodeInvalidCSRFToken   = "invalid_csrf_token"
	ErrorCodeServiceUnavailable = "service_unavailable"
)

// ChallengeHeader is set on 401 responses caused by a challenge decision.
// Its value is the reason reported by Admit.
const ChallengeHeader = "X-Guard-Challenge"

// Rejection describes how a non-allow Decision is turned into a response
type Rejection struct {
	Code        string // error code, e.g. "rate_limit_exceeded"
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Rejection maps the decision to a response. Allow decisions map to nil.
func (d Decision) Rejection() *Rejection {
	switch d.Action {
	case ActionBlock:
		return &Rejection{ErrorCodeAddressBlocked, "Access denied.", http.StatusForbidden}
	case ActionLimited:
		return &Rejection{ErrorCodeRateLimitExceeded, "Too many attempts. Please try again later.", http.StatusTooManyRequests}
	case ActionChallenge:
		return &Rejection{ErrorCodeChallengeRequired, "Additional verification required.", http.StatusUnauthorized}
	default:
		return nil
	}
}

// writeRejection writes a JSON error body with the rejection headers set
func writeRejection(w http.ResponseWriter, d Decision) {
	rej := d.Rejection()
	if rej == nil {
		return
	}
	writeError(w, rej.Code, rej.Description, rej.Status)
}

func writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetRejectionHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
