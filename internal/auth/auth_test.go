package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"staffportal.org/internal/workspace"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := NewTokens("test-secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	p := workspace.Principal{ID: "U1", ExternalAccountID: "123", ExternalAccountVerified: true}
	token, err := tokens.Issue(p, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Issuer != "test-issuer" || claims.ID == "" {
		t.Fatalf("unexpected registered claims: %+v", claims.RegisteredClaims)
	}
	if got := claims.Principal(); got != p {
		t.Fatalf("principal round trip: got %+v want %+v", got, p)
	}
}

func TestUnverifiedAccountCannotCheckRank(t *testing.T) {
	tokens, _ := NewTokens("test-secret")
	token, err := tokens.Issue(workspace.Principal{ID: "U2", ExternalAccountID: "555"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Principal().CanCheckRank() {
		t.Fatalf("unverified external account must not enable rank checks")
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens, _ := NewTokens("test-secret", WithClock(clock))
	other, _ := NewTokens("other-secret", WithClock(clock))
	foreign, _ := NewTokens("test-secret", WithIssuer("someone-else"), WithClock(clock))

	good, _ := tokens.Issue(workspace.Principal{ID: "U1"}, time.Minute)
	forged, _ := other.Issue(workspace.Principal{ID: "U1"}, time.Minute)
	wrongIssuer, _ := foreign.Issue(workspace.Principal{ID: "U1"}, time.Minute)

	if _, err := tokens.Parse(good); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	for name, tok := range map[string]string{"empty": "", "garbage": "a.b.c", "forged": forged, "issuer": wrongIssuer} {
		if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	now = now.Add(2 * time.Minute)
	if _, err := tokens.Parse(good); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	tokens, _ := NewTokens("s")
	if _, err := tokens.Issue(workspace.Principal{}, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatalf("expected no principal")
	}
	ctx = ContextWithPrincipal(ctx, workspace.Principal{ID: "U7"})
	ctx = ContextWithToken(ctx, "tok")
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.ID != "U7" {
		t.Fatalf("unexpected principal %+v ok=%v", p, ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token %q", tok)
	}
}
