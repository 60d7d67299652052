package apikey_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mandatefi/mandate/internal/apikey"
)

func TestIssueVerify_roundTrip(t *testing.T) {
	svc := apikey.NewService(apikey.NewMemoryStore())
	ctx := context.Background()

	key, plaintext, err := svc.Issue(ctx, "agent-1", "ci key", apikey.TierPro)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plaintext, "mnd_") {
		t.Errorf("plaintext = %q, want mnd_ prefix", plaintext)
	}
	if key.KeyHash == plaintext {
		t.Error("key stored in plaintext")
	}

	got, err := svc.Verify(ctx, plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("verified key id = %s, want %s", got.ID, key.ID)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not set on verify")
	}
}

func TestVerify_unknownKey(t *testing.T) {
	svc := apikey.NewService(apikey.NewMemoryStore())
	if _, err := svc.Verify(context.Background(), "mnd_doesnotexistdoesnotexist"); !errors.Is(err, apikey.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestVerify_revokedKey(t *testing.T) {
	svc := apikey.NewService(apikey.NewMemoryStore())
	ctx := context.Background()

	key, plaintext, err := svc.Issue(ctx, "agent-1", "old key", apikey.TierBasic)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Revoke(ctx, "agent-1", key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Verify(ctx, plaintext); !errors.Is(err, apikey.ErrKeyRevoked) {
		t.Fatalf("err = %v, want ErrKeyRevoked", err)
	}
}

func TestRevoke_foreignPrincipal(t *testing.T) {
	svc := apikey.NewService(apikey.NewMemoryStore())
	ctx := context.Background()

	key, _, err := svc.Issue(ctx, "agent-1", "key", apikey.TierBasic)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Revoke(ctx, "agent-2", key.ID); !errors.Is(err, apikey.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for foreign principal", err)
	}
}

func TestIssue_unknownTier(t *testing.T) {
	svc := apikey.NewService(apikey.NewMemoryStore())
	if _, _, err := svc.Issue(context.Background(), "agent-1", "key", "platinum"); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestRequestsPerMinute(t *testing.T) {
	cases := []struct {
		tier string
		want int
	}{
		{apikey.TierBasic, 1000},
		{apikey.TierPro, 5000},
		{apikey.TierEnterprise, 20000},
		{"unknown", 1000},
	}
	for _, tc := range cases {
		if got := apikey.RequestsPerMinute(tc.tier); got != tc.want {
			t.Errorf("RequestsPerMinute(%q) = %d, want %d", tc.tier, got, tc.want)
		}
	}
}
