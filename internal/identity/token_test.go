package identity_test

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mandatefi/mandate/internal/identity"
)

func newIssuer(t *testing.T, ttl time.Duration) *identity.TokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return identity.NewTokenIssuer(key, "https://mandate.test", ttl)
}

func TestIssueVerify_roundTrip(t *testing.T) {
	issuer := newIssuer(t, time.Hour)
	delegationID := uuid.New()

	signed, err := issuer.Issue("agent-1", []string{identity.RoleAgent}, delegationID.String())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "agent-1" {
		t.Errorf("subject = %q, want agent-1", claims.Subject)
	}
	if !claims.HasRole(identity.RoleAgent) {
		t.Error("agent role missing")
	}
	if claims.HasRole(identity.RoleOwner) {
		t.Error("unexpected owner role")
	}
	if !claims.PermitsDelegation(delegationID) {
		t.Error("token refuses its own delegation")
	}
	if claims.PermitsDelegation(uuid.New()) {
		t.Error("scoped token permits a foreign delegation")
	}
}

func TestVerify_unscopedTokenPermitsAnyDelegation(t *testing.T) {
	issuer := newIssuer(t, time.Hour)
	signed, err := issuer.Issue("owner-1", []string{identity.RoleOwner}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !claims.PermitsDelegation(uuid.New()) {
		t.Error("unscoped token should permit any delegation")
	}
}

func TestVerify_expiredToken(t *testing.T) {
	issuer := newIssuer(t, -time.Minute)
	signed, err := issuer.Issue("agent-1", []string{identity.RoleAgent}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Verify(signed); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestVerify_wrongIssuer(t *testing.T) {
	a := newIssuer(t, time.Hour)
	b := newIssuer(t, time.Hour)

	signed, err := a.Issue("agent-1", []string{identity.RoleAgent}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(signed); err == nil {
		t.Fatal("token verified against a different key")
	}
}

func TestVerify_tamperedToken(t *testing.T) {
	issuer := newIssuer(t, time.Hour)
	signed, err := issuer.Issue("agent-1", []string{identity.RoleAgent}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(signed, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := issuer.Verify(tampered); err == nil {
		t.Fatal("tampered token verified")
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := t.TempDir() + "/signing.pem"

	first, err := identity.LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := identity.LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.N.Cmp(second.N) != 0 {
		t.Error("reloaded key differs from generated key")
	}
}
