package liquidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/ledger"
)

// InsurancePayload is the ledger payload of an insurance.paid event.
type InsurancePayload struct {
	Amount       decimal.Decimal `json:"amount"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// InsurancePool covers liquidation shortfalls up to its balance. The balance
// never goes negative: a draw larger than the balance pays out what is
// available and reports the rest as uncovered. Payouts are committed to the
// ledger, so the balance is rebuilt by replay from the funded amount.
type InsurancePool struct {
	store  ledger.Store
	logger *zap.Logger

	mu      sync.Mutex
	funded  decimal.Decimal
	balance decimal.Decimal
	asOfSeq int64
}

// NewInsurancePool creates a pool with the given funded amount.
func NewInsurancePool(store ledger.Store, funded decimal.Decimal, logger *zap.Logger) *InsurancePool {
	return &InsurancePool{
		store:   store,
		logger:  logger,
		funded:  funded,
		balance: funded,
	}
}

// Balance returns the current pool balance.
func (p *InsurancePool) Balance() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Draw commits an insurance.paid event covering as much of the shortfall as
// the balance allows and returns the amount paid. A zero or negative
// shortfall pays nothing and appends nothing.
func (p *InsurancePool) Draw(ctx context.Context, positionID uuid.UUID, agentID string, shortfall decimal.Decimal) (decimal.Decimal, error) {
	if !shortfall.IsPositive() {
		return decimal.Zero, nil
	}

	// The lock spans the balance read through the ledger append: concurrent
	// draws must not both spend the same balance.
	p.mu.Lock()
	defer p.mu.Unlock()

	paid := shortfall
	if paid.GreaterThan(p.balance) {
		paid = p.balance
	}
	balanceAfter := p.balance.Sub(paid)

	if paid.IsZero() {
		p.logger.Warn("insurance pool exhausted",
			zap.String("position_id", positionID.String()),
			zap.String("shortfall", shortfall.String()),
		)
		return decimal.Zero, nil
	}

	payload, err := ledger.MarshalPayload(InsurancePayload{
		Amount:       paid,
		Shortfall:    shortfall,
		BalanceAfter: balanceAfter,
	})
	if err != nil {
		return decimal.Zero, err
	}
	e := &ledger.Event{
		Kind:       ledger.KindInsurancePaid,
		PositionID: positionID,
		AgentID:    agentID,
		Payload:    payload,
	}
	if _, err := p.store.Append(ctx, e); err != nil {
		return decimal.Zero, fmt.Errorf("append insurance.paid: %w", err)
	}
	p.balance = balanceAfter
	p.asOfSeq = e.Seq

	p.logger.Info("insurance payout",
		zap.String("position_id", positionID.String()),
		zap.String("amount", paid.String()),
		zap.String("balance_after", balanceAfter.String()),
	)
	return paid, nil
}

// Apply implements ledger.Applier, folding payouts into the balance.
func (p *InsurancePool) Apply(e *ledger.Event) error {
	if e.Kind != ledger.KindInsurancePaid {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Seq <= p.asOfSeq {
		return nil
	}
	var payload InsurancePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("decode insurance.paid payload: %w", err)
	}
	p.balance = p.balance.Sub(payload.Amount)
	if p.balance.IsNegative() {
		p.balance = decimal.Zero
	}
	p.asOfSeq = e.Seq
	return nil
}
