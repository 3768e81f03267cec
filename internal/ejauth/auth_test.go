package ejauth

import (
	"errors"
	"testing"
	"time"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

func mustSecret(t *testing.T) Secret {
	t.Helper()
	s, err := NewSecret("test-secret-value")
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	return s
}

func TestIssueAndVerifyClientToken(t *testing.T) {
	secret := mustSecret(t)
	issuer := NewIssuer(secret, "ejd-test")
	verifier := NewVerifier(secret)

	token, err := issuer.IssueClientToken("client-1", []string{ejmodel.PermClientDispatch}, time.Hour)
	if err != nil {
		t.Fatalf("IssueClientToken: %v", err)
	}

	ctx, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ctx.SubjectID != "client-1" {
		t.Fatalf("expected subject client-1, got %s", ctx.SubjectID)
	}
	if ctx.Who != ejmodel.WhoClient {
		t.Fatalf("expected WhoClient, got %s", ctx.Who)
	}
	if !ctx.Has(ejmodel.PermClientDispatch) {
		t.Fatalf("expected client.dispatch permission present")
	}
	if ctx.Has(ejmodel.PermBuilderCreate) {
		t.Fatalf("did not expect builder.create permission")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := mustSecret(t)
	issuer := NewIssuer(secret, "ejd-test")
	verifier := NewVerifier(secret)

	token, err := issuer.IssueBuilderToken("builder-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueBuilderToken: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	secretA := mustSecret(t)
	secretB, _ := NewSecret("a-different-secret")

	issuer := NewIssuer(secretA, "ejd-test")
	verifier := NewVerifier(secretB)

	token, err := issuer.IssueBuilderToken("builder-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueBuilderToken: %v", err)
	}

	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected token signed with a different secret to fail verification")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatalf("expected correct password to check out")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatalf("expected incorrect password to fail")
	}
}
