package guard

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/threat"
)

// CSRFHeader carries the anti-forgery token on state-changing requests
const CSRFHeader = "X-CSRF-Token"

// CSRFFormField is the form field checked when CSRFHeader is absent
const CSRFFormField = "csrf_token"

// SubjectFunc returns the authenticated subject of a request, or "" when
// the request is anonymous
type SubjectFunc func(r *http.Request) string

// MiddlewareOption configures Middleware
type MiddlewareOption func(*middleware)

type middleware struct {
	subject SubjectFunc
	pattern string
}

// WithSubject sets how Middleware finds the subject of a request
func WithSubject(fn SubjectFunc) MiddlewareOption {
	return func(m *middleware) { m.subject = fn }
}

// WithRequestPattern overrides Config.RateLimit.RequestPattern for one
// middleware instance, e.g. "brute_force_login" on a login route
func WithRequestPattern(patternID string) MiddlewareOption {
	return func(m *middleware) { m.pattern = patternID }
}

// Middleware admits requests through the guard. It resolves the client
// address and request ID, runs Admit and then the per-request threat
// pattern. Rejections are written as JSON errors:
// 403 for block, 429 for limited, 401 with X-Guard-Challenge for challenge.
func (g *Guard) Middleware(next http.Handler, opts ...MiddlewareOption) http.Handler {
	m := &middleware{}
	if !g.config.RateLimit.Disabled {
		m.pattern = g.config.RateLimit.RequestPattern
	}
	for _, opt := range opts {
		opt(m)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := g.withRequestID(w, r)
		if !ok {
			return
		}

		req := Request{
			SourceAddress: security.ClientAddress(r, g.config.TrustProxy, g.config.TrustedProxyCount),
			SourceAgent:   r.UserAgent(),
		}
		if m.subject != nil {
			req.SubjectID = m.subject(r)
		}

		d := g.Admit(ctx, req)
		if d.Allowed() && m.pattern != "" {
			d = DecisionFor(g.CheckThreat(ctx, threat.Check{
				PatternID:     m.pattern,
				SubjectID:     req.SubjectID,
				SourceAddress: req.SourceAddress,
				SourceAgent:   req.SourceAgent,
				Details: map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				},
			}))
		}

		if !d.Allowed() {
			g.logger.Warn("Request rejected",
				"action", d.Action,
				"reason", d.Reason,
				"source_address", req.SourceAddress,
				"path", r.URL.Path,
				"request_id", security.RequestIDFrom(ctx))
			g.reject(w, d)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCSRF rejects state-changing requests (anything but GET, HEAD,
// OPTIONS and TRACE) that do not carry a valid CSRF token. Tokens are
// re-validatable until they expire; use ConsumeCSRFToken for single use.
func (g *Guard) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(CSRFHeader)
		if token == "" {
			token = r.PostFormValue(CSRFFormField)
		}

		addr := security.ClientAddress(r, g.config.TrustProxy, g.config.TrustedProxyCount)
		if !g.checkCSRF(r.Context(), token, addr, false) {
			g.logger.Warn("CSRF validation failed",
				"source_address", addr,
				"path", r.URL.Path,
				"token_present", token != "")
			writeError(w, ErrorCodeInvalidCSRFToken, "Missing or invalid CSRF token.", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// withRequestID keeps a well-formed upstream X-Request-ID or mints one and
// echoes it on the response. A failing random source is fatal for the request.
func (g *Guard) withRequestID(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	id, err := security.ResolveRequestID(r.Header.Get(security.RequestIDHeader))
	if err != nil {
		g.logger.Error("Failed to generate request ID", "error", err)
		writeError(w, ErrorCodeServiceUnavailable, "Service temporarily unavailable.", http.StatusServiceUnavailable)
		return nil, false
	}
	w.Header().Set(security.RequestIDHeader, id)
	return security.WithRequestID(r.Context(), id), true
}

func (g *Guard) reject(w http.ResponseWriter, d Decision) {
	if d.Action == ActionChallenge {
		w.Header().Set(ChallengeHeader, d.Reason)
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", RetryAfterSeconds(d.RetryAfter))
	}
	writeRejection(w, d)
}

// RetryAfterSeconds formats d for a Retry-After header, rounding up
func RetryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
