// Package fiberguard adapts guard.Guard to Fiber v2.
//
// New mirrors guard.Middleware: it resolves the client address and request
// ID, admits the request, runs the per-request threat pattern and writes the
// same JSON rejections. CSRF mirrors guard.RequireCSRF.
package fiberguard

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/giantswarm/guard"
	"github.com/giantswarm/guard/security"
	"github.com/giantswarm/guard/threat"
)

// Config configures the Fiber middleware
type Config struct {
	// Guard is required
	Guard *guard.Guard

	// Subject returns the authenticated subject, or "" for anonymous requests
	Subject func(c *fiber.Ctx) string

	// RequestPattern overrides the guard's rate_limit.request_pattern.
	// Ignored when SkipRequestPattern is set.
	RequestPattern string

	// SkipRequestPattern disables the per-request threat check
	SkipRequestPattern bool

	// Next skips the middleware when it returns true
	Next func(c *fiber.Ctx) bool

	// Logger for rejected requests (optional, uses default if not provided)
	Logger *slog.Logger
}

// New returns the admission middleware. It panics when cfg.Guard is nil, as
// Fiber's own middleware constructors do for missing required settings.
func New(cfg Config) fiber.Handler {
	if cfg.Guard == nil {
		panic("fiberguard: Guard is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gcfg := cfg.Guard.Config()
	pattern := cfg.RequestPattern
	if pattern == "" && !gcfg.RateLimit.Disabled {
		pattern = gcfg.RateLimit.RequestPattern
	}
	if cfg.SkipRequestPattern {
		pattern = ""
	}

	return func(c *fiber.Ctx) error {
		if cfg.Next != nil && cfg.Next(c) {
			return c.Next()
		}

		requestID, err := security.ResolveRequestID(c.Get(security.RequestIDHeader))
		if err != nil {
			logger.Error("Failed to generate request ID", "error", err)
			return writeError(c, guard.ErrorCodeServiceUnavailable, "Service temporarily unavailable.", fiber.StatusServiceUnavailable)
		}
		c.Set(security.RequestIDHeader, requestID)
		ctx := security.WithRequestID(c.UserContext(), requestID)
		c.SetUserContext(ctx)

		req := guard.Request{
			SourceAddress: clientAddress(c, gcfg),
			SourceAgent:   c.Get(fiber.HeaderUserAgent),
		}
		if cfg.Subject != nil {
			req.SubjectID = cfg.Subject(c)
		}

		d := cfg.Guard.Admit(ctx, req)
		if d.Allowed() && pattern != "" {
			d = guard.DecisionFor(cfg.Guard.CheckThreat(ctx, threat.Check{
				PatternID:     pattern,
				SubjectID:     req.SubjectID,
				SourceAddress: req.SourceAddress,
				SourceAgent:   req.SourceAgent,
				Details: map[string]any{
					"method": c.Method(),
					"path":   c.Path(),
				},
			}))
		}

		if d.Allowed() {
			return c.Next()
		}

		logger.Warn("Request rejected",
			"action", d.Action,
			"reason", d.Reason,
			"source_address", req.SourceAddress,
			"path", c.Path(),
			"request_id", requestID)

		if d.Action == guard.ActionChallenge {
			c.Set(guard.ChallengeHeader, d.Reason)
		}
		if d.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, guard.RetryAfterSeconds(d.RetryAfter))
		}
		rej := d.Rejection()
		return writeError(c, rej.Code, rej.Description, rej.Status)
	}
}

// CSRF rejects state-changing requests without a valid token in the
// X-CSRF-Token header or the csrf_token form field
func CSRF(g *guard.Guard) fiber.Handler {
	if g == nil {
		panic("fiberguard: Guard is required")
	}
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace:
			return c.Next()
		}

		token := c.Get(guard.CSRFHeader)
		if token == "" {
			token = c.FormValue(guard.CSRFFormField)
		}
		if !g.ValidateCSRFToken(c.UserContext(), token) {
			return writeError(c, guard.ErrorCodeInvalidCSRFToken, "Missing or invalid CSRF token.", fiber.StatusForbidden)
		}
		return c.Next()
	}
}

func clientAddress(c *fiber.Ctx, cfg *guard.Config) string {
	return security.ClientAddressFromHeaders(
		c.Context().RemoteAddr().String(),
		c.Get(fiber.HeaderXForwardedFor),
		c.Get("X-Real-IP"),
		cfg.TrustProxy,
		cfg.TrustedProxyCount,
	)
}

func writeError(c *fiber.Ctx, code, description string, status int) error {
	for _, kv := range security.RejectionHeaders {
		c.Set(kv[0], kv[1])
	}
	return c.Status(status).JSON(fiber.Map{
		"error":             code,
		"error_description": description,
	})
}
