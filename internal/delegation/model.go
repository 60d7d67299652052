package delegation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a delegation.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Terminal reports whether the status is immutable (revoked or expired).
// Terminated delegations are retained for audit and never transition again.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when no delegation matches the given id.
	ErrNotFound = errors.New("delegation not found")
	// ErrNotOwner is returned when a non-owner attempts to modify a delegation.
	ErrNotOwner = errors.New("caller is not the delegation owner")
	// ErrUnauthorized is returned when a revocation is attempted by an actor
	// that is neither the owner nor the designated revocation authority.
	ErrUnauthorized = errors.New("caller may not revoke this delegation")
	// ErrNotActive is returned when an operation requires an active delegation.
	ErrNotActive = errors.New("delegation is not active")
	// ErrRevoked is returned when a transaction references a revoked delegation.
	ErrRevoked = errors.New("delegation is revoked")
	// ErrExpired is returned when a transaction references an expired delegation.
	ErrExpired = errors.New("delegation is expired")
)

// ErrInvalidTerms is returned when delegation terms fail validation.
type ErrInvalidTerms struct{ Reason string }

func (e *ErrInvalidTerms) Error() string { return "invalid terms: " + e.Reason }

// Terms are the owner-defined bounds of a delegation.
type Terms struct {
	// CreditLimit is the total credit the agent may draw against.
	CreditLimit decimal.Decimal `json:"credit_limit"`
	// UtilizationCap is the fraction of CreditLimit the agent may actually
	// consume, in (0, 1].
	UtilizationCap float64 `json:"utilization_cap"`
	// Categories is the permitted spending category set. Never empty.
	Categories []string `json:"categories"`
	// Duration is the delegation lifetime from creation.
	Duration time.Duration `json:"duration"`
	// RevocationAuthority optionally names an emergency actor that may
	// revoke in addition to the owner.
	RevocationAuthority string `json:"revocation_authority,omitempty"`
}

// Validate checks the terms for internal consistency.
func (t Terms) Validate() error {
	if !t.CreditLimit.IsPositive() {
		return &ErrInvalidTerms{Reason: "credit limit must be positive"}
	}
	if t.UtilizationCap <= 0 || t.UtilizationCap > 1 {
		return &ErrInvalidTerms{Reason: "utilization cap must be in (0, 1]"}
	}
	if len(t.Categories) == 0 {
		return &ErrInvalidTerms{Reason: "category set must not be empty"}
	}
	for _, c := range t.Categories {
		if c == "" {
			return &ErrInvalidTerms{Reason: "category names must not be empty"}
		}
	}
	if t.Duration <= 0 {
		return &ErrInvalidTerms{Reason: "duration must be positive"}
	}
	return nil
}

// UtilizationLimit returns CreditLimit × UtilizationCap, the hard ceiling on
// utilized credit.
func (t Terms) UtilizationLimit() decimal.Decimal {
	return t.CreditLimit.Mul(decimal.NewFromFloat(t.UtilizationCap))
}

// Permits reports whether the category is in the permitted set.
func (t Terms) Permits(category string) bool {
	for _, c := range t.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Delegation is the materialized view of one credit delegation, folded from
// the ledger. It is owned by the Registry and recoverable by replay.
type Delegation struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   string          `json:"owner_id"`
	AgentID   string          `json:"agent_id"`
	Terms     Terms           `json:"terms"`
	Status    Status          `json:"status"`
	Utilized  decimal.Decimal `json:"utilized"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	// Version is the ledger sequence number of the last applied event.
	Version int64 `json:"version"`
}

// Available returns the remaining credit before the utilization cap is hit.
func (d *Delegation) Available() decimal.Decimal {
	return d.Terms.UtilizationLimit().Sub(d.Utilized)
}

// ExpiredAt reports whether the delegation's duration has elapsed at now.
func (d *Delegation) ExpiredAt(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// clone returns a copy safe to hand outside the registry lock.
func (d *Delegation) clone() *Delegation {
	cp := *d
	cp.Terms.Categories = append([]string(nil), d.Terms.Categories...)
	return &cp
}

// ── Ledger event payloads ─────────────────────────────────────────────────────

// CreatedPayload is the ledger payload of a delegation.created event.
type CreatedPayload struct {
	OwnerID   string    `json:"owner_id"`
	AgentID   string    `json:"agent_id"`
	Terms     Terms     `json:"terms"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ModifiedPayload is the ledger payload of a delegation.modified event.
type ModifiedPayload struct {
	Terms     Terms     `json:"terms"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActorPayload is the ledger payload of pause/resume/revoke events.
type ActorPayload struct {
	Actor string `json:"actor"`
}
