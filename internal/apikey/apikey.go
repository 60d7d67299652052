// Package apikey issues and verifies the long-lived API keys agents use for
// programmatic access, with per-tier rate limits. Keys are shown once at
// creation and stored only as bcrypt hashes.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Key prefix. The full key is "mnd_" + base32(20 random bytes).
const keyPrefix = "mnd_"

// Tiers and their per-minute request budgets.
const (
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// RequestsPerMinute returns the tier's request budget. Unknown tiers get the
// basic budget.
func RequestsPerMinute(tier string) int {
	switch tier {
	case TierEnterprise:
		return 20000
	case TierPro:
		return 5000
	default:
		return 1000
	}
}

// Sentinel errors.
var (
	// ErrInvalidKey is returned when a presented key fails verification.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrKeyRevoked is returned for a revoked key.
	ErrKeyRevoked = errors.New("api key revoked")
	// ErrNotFound is returned when no key matches the id.
	ErrNotFound = errors.New("api key not found")
)

// APIKey is the stored record of an issued key. The plaintext is never
// persisted.
type APIKey struct {
	ID         uuid.UUID  `json:"id"          db:"id"`
	PrincipalID string    `json:"principal_id" db:"principal_id"`
	Name       string     `json:"name"        db:"name"`
	Tier       string     `json:"tier"        db:"tier"`
	KeyHash    string     `json:"-"           db:"key_hash"`
	Prefix     string     `json:"prefix"      db:"prefix"` // first 12 chars, for display
	CreatedAt  time.Time  `json:"created_at"  db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"   db:"revoked_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// KeyStore persists API keys. Implementations: PostgresStore and MemoryStore.
type KeyStore interface {
	Insert(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id uuid.UUID) (*APIKey, error)
	ListByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*APIKey, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Service issues, verifies, and revokes API keys.
type Service struct {
	store KeyStore
}

// NewService creates a key Service on the given store.
func NewService(store KeyStore) *Service {
	return &Service{store: store}
}

// Issue generates a key for the principal and returns the record plus the
// plaintext, which is never recoverable afterwards.
func (s *Service) Issue(ctx context.Context, principalID, name, tier string) (*APIKey, string, error) {
	if tier != TierBasic && tier != TierPro && tier != TierEnterprise {
		return nil, "", fmt.Errorf("unknown tier %q", tier)
	}

	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := keyPrefix + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw))

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Name:        name,
		Tier:        tier,
		KeyHash:     string(hash),
		Prefix:      plaintext[:12],
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Verify resolves a presented key to its record. Candidates are narrowed by
// the display prefix before the bcrypt comparison.
func (s *Service) Verify(ctx context.Context, plaintext string) (*APIKey, error) {
	if !strings.HasPrefix(plaintext, keyPrefix) || len(plaintext) < 12 {
		return nil, ErrInvalidKey
	}

	candidates, err := s.store.ListByPrefix(ctx, plaintext[:12])
	if err != nil {
		return nil, err
	}
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
			continue
		}
		if key.Revoked() {
			return nil, ErrKeyRevoked
		}
		now := time.Now().UTC()
		if err := s.store.Touch(ctx, key.ID, now); err == nil {
			key.LastUsedAt = &now
		}
		return key, nil
	}
	return nil, ErrInvalidKey
}

// Revoke marks a key revoked. Only the issuing principal may revoke it.
func (s *Service) Revoke(ctx context.Context, principalID string, id uuid.UUID) error {
	key, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.PrincipalID != principalID {
		return ErrNotFound
	}
	return s.store.Revoke(ctx, id, time.Now().UTC())
}

// List returns the principal's keys.
func (s *Service) List(ctx context.Context, principalID string) ([]*APIKey, error) {
	return s.store.ListByPrincipal(ctx, principalID)
}
