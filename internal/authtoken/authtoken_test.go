package authtoken

import "testing"

func TestEqual_MatchesSameToken(t *testing.T) {
	if !Equal("abc123", "abc123") {
		t.Error("expected identical tokens to match")
	}
}

func TestEqual_RejectsMismatch(t *testing.T) {
	if Equal("abc123", "abc124") {
		t.Error("expected differing tokens to not match")
	}
	if Equal("short", "muchlongertoken") {
		t.Error("expected differing-length tokens to not match")
	}
}

func TestBearerMatches(t *testing.T) {
	if !BearerMatches("Bearer secret-token", "secret-token") {
		t.Error("expected a well-formed Bearer header to match")
	}
	if BearerMatches("Basic secret-token", "secret-token") {
		t.Error("expected a non-Bearer scheme to fail")
	}
	if BearerMatches("Bearer wrong", "secret-token") {
		t.Error("expected a mismatched token to fail")
	}
	if BearerMatches("", "secret-token") {
		t.Error("expected an empty header to fail")
	}
}
