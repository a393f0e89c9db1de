package security

import "net/http"

// RejectionHeaders are set on every response the guard writes itself.
// Denials must not be cached by intermediaries or sniffed by browsers.
var RejectionHeaders = [][2]string{
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
}

// SetRejectionHeaders applies RejectionHeaders to h.
func SetRejectionHeaders(h http.Header) {
	for _, kv := range RejectionHeaders {
		h.Set(kv[0], kv[1])
	}
}
