package executor

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for transaction validation.
var (
	// ErrInvalidAmount is returned when a proposed amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrCategoryNotPermitted is returned when the transaction category is
	// outside the delegation's permitted set.
	ErrCategoryNotPermitted = errors.New("category not permitted by delegation terms")
	// ErrUtilizationExceeded is returned when the transaction would push
	// utilization past creditLimit × utilizationCap.
	ErrUtilizationExceeded = errors.New("utilization cap exceeded")
	// ErrExcessRepayment is returned when a repayment exceeds the
	// delegation's current utilization.
	ErrExcessRepayment = errors.New("repayment exceeds current utilization")
)

// Repayment status values, derived from the due date at recording time.
// More than 30 days past due counts as missed.
const (
	RepaymentOnTime = "on_time"
	RepaymentLate   = "late"
	RepaymentMissed = "missed"
)

// missedCutoff is how far past due a repayment is still "late" before it
// becomes "missed".
const missedCutoff = 30 * 24 * time.Hour

// Transaction is the immutable record of one executed draw against a
// delegation. Once its event is committed to the ledger it never changes.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	DelegationID uuid.UUID       `json:"delegation_id"`
	AgentID      string          `json:"agent_id"`
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category"`
	ExecutedAt   time.Time       `json:"executed_at"`
	// UtilizedAfter is the delegation's utilization snapshot after this
	// transaction applied.
	UtilizedAfter  decimal.Decimal `json:"utilized_after"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Seq            int64           `json:"seq"`
	// Replayed is true when this result was returned for a previously
	// committed idempotency key; no new effects were applied.
	Replayed bool `json:"replayed,omitempty"`
}

// Request is a proposed transaction submitted by an agent.
type Request struct {
	DelegationID   uuid.UUID       `json:"delegation_id"`
	Amount         decimal.Decimal `json:"amount"`
	Category       string          `json:"category"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// RepayRequest records a repayment against a delegation's utilization.
type RepayRequest struct {
	DelegationID   uuid.UUID       `json:"delegation_id"`
	Amount         decimal.Decimal `json:"amount"`
	DueAt          time.Time       `json:"due_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Repayment is the committed record of a repayment.
type Repayment struct {
	ID           uuid.UUID       `json:"id"`
	DelegationID uuid.UUID       `json:"delegation_id"`
	AgentID      string          `json:"agent_id"`
	Amount       decimal.Decimal `json:"amount"`
	DueAt        time.Time       `json:"due_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
	Status       string          `json:"status"` // on_time, late, missed
	UtilizedAfter decimal.Decimal `json:"utilized_after"`
	Seq          int64           `json:"seq"`
	Replayed     bool            `json:"replayed,omitempty"`
}

// TxPayload is the ledger payload of a transaction.executed event.
type TxPayload struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	UtilizedAfter decimal.Decimal `json:"utilized_after"`
	// UtilizationRatio is UtilizedAfter over the delegation's utilization
	// ceiling at execution time, snapshotted for the scoring engine.
	UtilizationRatio float64 `json:"utilization_ratio"`
}

// RepayPayload is the ledger payload of a repayment.recorded event.
type RepayPayload struct {
	RepaymentID   uuid.UUID       `json:"repayment_id"`
	Amount        decimal.Decimal `json:"amount"`
	DueAt         time.Time       `json:"due_at"`
	Status        string          `json:"status"`
	UtilizedAfter decimal.Decimal `json:"utilized_after"`
}

// repaymentStatus classifies a repayment relative to its due date.
func repaymentStatus(dueAt, recordedAt time.Time) string {
	if dueAt.IsZero() || !recordedAt.After(dueAt) {
		return RepaymentOnTime
	}
	if recordedAt.Sub(dueAt) > missedCutoff {
		return RepaymentMissed
	}
	return RepaymentLate
}
