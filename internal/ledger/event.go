package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the canonical well-known hash of the genesis event.
// It serves as the trust anchor of the chain; all subsequent event hashes
// chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Kind identifies the type of a ledger event. Projections dispatch on Kind.
type Kind string

const (
	KindGenesis Kind = "genesis"

	KindDelegationCreated  Kind = "delegation.created"
	KindDelegationModified Kind = "delegation.modified"
	KindDelegationPaused   Kind = "delegation.paused"
	KindDelegationResumed  Kind = "delegation.resumed"
	KindDelegationRevoked  Kind = "delegation.revoked"
	KindDelegationExpired  Kind = "delegation.expired"

	KindTransactionExecuted Kind = "transaction.executed"
	KindRepaymentRecorded   Kind = "repayment.recorded"
	KindAttestationRecorded Kind = "attestation.recorded"

	KindPositionOpened     Kind = "position.opened"
	KindCollateralPledged  Kind = "collateral.pledged"
	KindCollateralReleased Kind = "collateral.released"
	KindPositionRebalanced Kind = "position.rebalanced"

	KindLiquidationStageEntered Kind = "liquidation.stage_entered"
	KindInsurancePaid           Kind = "insurance.paid"
	KindPositionClosed          Kind = "position.closed"
)

// Event is a single committed record in the ledger.
// Once appended, an event is never mutated or deleted.
type Event struct {
	Seq            int64           `json:"seq"`
	ID             uuid.UUID       `json:"id"`
	Kind           Kind            `json:"kind"`
	DelegationID   uuid.UUID       `json:"delegation_id,omitempty"`
	PositionID     uuid.UUID       `json:"position_id,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
}

// hashEvent computes a deterministic SHA-256 hash over an event's fields.
// This function must never be called on the genesis event (seq 0).
func hashEvent(e *Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Seq, e.RecordedAt.Format(time.RFC3339Nano),
		e.Kind, e.DelegationID, e.PositionID, e.AgentID,
		e.IdempotencyKey, sha256Sum(e.Payload), e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func errGenesisHash(got string) error {
	return fmt.Errorf("genesis event has wrong hash: got %q", got)
}

func errChainBroken(seq int64) error {
	return fmt.Errorf("hash chain broken at seq %d", seq)
}

func errBadHash(seq int64) error {
	return fmt.Errorf("event %d has invalid hash", seq)
}

// MarshalPayload JSON-encodes v into an event payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
