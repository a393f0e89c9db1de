package security

import (
	"context"
	"encoding/base64"
	"regexp"
)

type requestIDContextKey struct{}

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// Upstream IDs are accepted only if they cannot smuggle header content.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// NewRequestID returns a 128-bit random ID, base64url encoded.
func NewRequestID() (string, error) {
	b, err := NewTokenSource(nil).Bytes(16)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ResolveRequestID keeps a valid upstream ID or mints a new one.
func ResolveRequestID(upstream string) (string, error) {
	if requestIDPattern.MatchString(upstream) {
		return upstream, nil
	}
	return NewRequestID()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFrom retrieves the request ID from the context
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return id
	}
	return ""
}
