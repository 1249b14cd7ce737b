package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	tokens, err := Issue("user-1", "teacher", "qrollcall", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := Parse(tokens.AccessToken, "secret", "qrollcall")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", claims.Subject)
	}
	if claims.Role != "teacher" {
		t.Errorf("Role = %q, want teacher", claims.Role)
	}
}

func TestParseWrongKey(t *testing.T) {
	tokens, err := Issue("user-1", "student", "qrollcall", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(tokens.AccessToken, "other-secret", "qrollcall"); err == nil {
		t.Error("Parse() with wrong key error = nil, want error")
	}
}

func TestParseIssuerMismatch(t *testing.T) {
	tokens, err := Issue("user-1", "student", "someone-else", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(tokens.AccessToken, "secret", "qrollcall"); err == nil {
		t.Error("Parse() with issuer mismatch error = nil, want error")
	}
}

func TestParseExpired(t *testing.T) {
	tokens, err := Issue("user-1", "student", "qrollcall", "secret", -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := Parse(tokens.AccessToken, "secret", "qrollcall"); err == nil {
		t.Error("Parse() of expired token error = nil, want error")
	}
}
