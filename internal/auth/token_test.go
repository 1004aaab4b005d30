package auth

import (
	"strings"
	"testing"
)

func TestHashAndVerifyToken(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("operator-token-0123456789")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !VerifyToken(" operator-token-0123456789 ", hash) {
		t.Fatalf("expected token verification to succeed")
	}
	if VerifyToken("wrong-token-0123456789", hash) {
		t.Fatalf("did not expect wrong token to verify")
	}
	if VerifyToken("", hash) || VerifyToken("operator-token-0123456789", "") {
		t.Fatalf("empty inputs must not verify")
	}
}

func TestHashTokenRejectsShortTokens(t *testing.T) {
	t.Parallel()

	for _, token := range []string{"", "   ", "short"} {
		if _, err := HashToken(token); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	if len(a) < MinTokenLength || strings.ContainsAny(a, "+/=") {
		t.Fatalf("unexpected token shape: %q", a)
	}
}

func TestNormalizeOperator(t *testing.T) {
	t.Parallel()

	if got := NormalizeOperator(" Alice "); got != "alice" {
		t.Fatalf("unexpected normalized operator: %q", got)
	}
}
