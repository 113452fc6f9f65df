// Package authtoken provides the constant-time bearer-token comparison
// shared by the WebSocket Gateway's auth handshake and the Permission
// Bridge's HTTP hook endpoint (spec sections 4.4.1 and 4.3 both require
// constant-time comparison).
package authtoken

import (
	"crypto/subtle"
	"strings"
)

// Equal reports whether the given token matches expected, in constant time
// with respect to the token's content (though not its length).
func Equal(token, expected string) bool {
	if len(token) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// BearerMatches extracts the token from an "Authorization: Bearer <token>"
// header value and compares it to expected in constant time.
func BearerMatches(header, expected string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return Equal(strings.TrimPrefix(header, prefix), expected)
}
