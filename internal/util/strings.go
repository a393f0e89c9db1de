package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. Used when logging a
// prefix of a secret such as a CSRF token. A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// keyPartEscaper keeps ':' inside a part from reading as a separator.
// '%' is escaped first so escaped and literal input cannot meet.
var keyPartEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// CompositeKey joins key parts with ':' under a namespace prefix.
//
//	CompositeKey("threat", "brute_force_login", "9.9.9.9", "") // "threat:brute_force_login:9.9.9.9:"
//	CompositeKey("threat", "p", "::1", "bob")                  // "threat:p:%3A%3A1:bob"
//
// Parts are escaped and empty parts are kept, so distinct part lists never
// produce the same key.
func CompositeKey(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte(':')
		keyPartEscaper.WriteString(&b, p)
	}
	return b.String()
}
