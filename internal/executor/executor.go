// Package executor validates and applies proposed transactions against
// delegation terms, current utilization, and leverage limits, then appends
// them to the ledger.
//
// Correctness rests on per-delegation mutual exclusion: the executor holds
// the delegation's single logical lock across the read-validate-append step,
// so at most one utilization-affecting transaction is in flight per
// delegation and a committed revocation is visible to every later attempt.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/ledger"
)

// LeverageChecker verifies that a proposed draw keeps any position riding the
// delegation within its tier's leverage ceiling. *leverage.Engine satisfies
// this interface. A failed oracle read surfaces as oracle.ErrStale.
type LeverageChecker interface {
	CheckExposure(ctx context.Context, delegationID uuid.UUID, amount decimal.Decimal) error
}

// ScoreTrigger requests a creditworthiness recomputation for an agent after
// an event affecting it commits. *scoring.Engine satisfies this interface.
type ScoreTrigger interface {
	Recompute(ctx context.Context, agentID string, basis int64) error
}

// MetricsRecorder is an optional callback recording execution outcomes.
// outcome is "success" or the rejection reason.
type MetricsRecorder func(outcome string)

// Executor applies proposed transactions. It also maintains the per-delegation
// transaction history projection, rebuilt from the ledger by replay.
type Executor struct {
	store    ledger.Store
	registry *delegation.Registry
	leverage LeverageChecker // nil = no leverage enforcement
	scores   ScoreTrigger    // nil = no score recomputation
	logger   *zap.Logger

	mu           sync.RWMutex
	transactions map[uuid.UUID][]*Transaction
	repayments   map[uuid.UUID][]*Repayment

	dispatcher delegation.WebhookDispatcher
	onMetrics  MetricsRecorder
}

// New creates an Executor. leverage may be nil when no positions exist.
func New(store ledger.Store, registry *delegation.Registry, leverage LeverageChecker, logger *zap.Logger) *Executor {
	return &Executor{
		store:        store,
		registry:     registry,
		leverage:     leverage,
		logger:       logger,
		transactions: make(map[uuid.UUID][]*Transaction),
		repayments:   make(map[uuid.UUID][]*Repayment),
	}
}

// SetScoreTrigger configures post-commit score recomputation.
func (x *Executor) SetScoreTrigger(t ScoreTrigger) { x.scores = t }

// SetWebhookDispatcher configures webhook fan-out for executed transactions.
func (x *Executor) SetWebhookDispatcher(d delegation.WebhookDispatcher) { x.dispatcher = d }

// SetMetricsRecorder configures the execution outcome callback.
func (x *Executor) SetMetricsRecorder(fn MetricsRecorder) { x.onMetrics = fn }

// Execute validates and applies a proposed transaction.
//
// Validation order: delegation active and not expired; category permitted;
// utilized + amount ≤ creditLimit × utilizationCap; projected leverage within
// the tier ceiling. On any failure nothing is applied. Resubmitting a
// previously committed idempotency key returns the original result with
// Replayed set and applies no new effects.
func (x *Executor) Execute(ctx context.Context, req Request) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return x.reject(ErrInvalidAmount)
	}

	// Fast path: replay of a committed key needs no lock.
	if req.IdempotencyKey != "" {
		if tx, err := x.replayedTransaction(ctx, req.IdempotencyKey); err == nil {
			return tx, nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	unlock := x.registry.Lock(req.DelegationID)
	defer unlock()

	// Re-check under the lock: a racing submission with the same key may
	// have committed while we waited.
	if req.IdempotencyKey != "" {
		if tx, err := x.replayedTransaction(ctx, req.IdempotencyKey); err == nil {
			return tx, nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	d, err := x.registry.Get(req.DelegationID)
	if err != nil {
		return x.reject(err)
	}
	now := time.Now().UTC()
	if d.Status != delegation.StatusActive {
		return x.reject(delegation.StatusError(d.Status))
	}
	if d.ExpiredAt(now) {
		return x.reject(delegation.ErrExpired)
	}
	if !d.Terms.Permits(req.Category) {
		return x.reject(ErrCategoryNotPermitted)
	}
	utilizedAfter := d.Utilized.Add(req.Amount)
	if utilizedAfter.GreaterThan(d.Terms.UtilizationLimit()) {
		return x.reject(ErrUtilizationExceeded)
	}
	if x.leverage != nil {
		if err := x.leverage.CheckExposure(ctx, req.DelegationID, req.Amount); err != nil {
			return x.reject(err)
		}
	}

	tx := &Transaction{
		ID:             uuid.New(),
		DelegationID:   req.DelegationID,
		AgentID:        d.AgentID,
		Amount:         req.Amount,
		Category:       req.Category,
		UtilizedAfter:  utilizedAfter,
		IdempotencyKey: req.IdempotencyKey,
	}
	ratio, _ := utilizedAfter.Div(d.Terms.UtilizationLimit()).Float64()
	payload, err := ledger.MarshalPayload(TxPayload{
		TransactionID:    tx.ID,
		Amount:           tx.Amount,
		Category:         tx.Category,
		UtilizedAfter:    tx.UtilizedAfter,
		UtilizationRatio: ratio,
	})
	if err != nil {
		return nil, err
	}

	e := &ledger.Event{
		Kind:           ledger.KindTransactionExecuted,
		DelegationID:   req.DelegationID,
		AgentID:        d.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
	}
	seq, err := x.store.Append(ctx, e)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			// Lost a race on the key outside our delegation lock scope.
			return x.replayedTransaction(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	tx.Seq = seq
	tx.ExecutedAt = e.RecordedAt

	if err := x.registry.Apply(e); err != nil {
		return nil, err
	}
	if err := x.Apply(e); err != nil {
		return nil, err
	}

	x.logger.Info("transaction executed",
		zap.Int64("seq", seq),
		zap.String("delegation_id", req.DelegationID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("category", req.Category),
	)
	x.record("success")
	x.afterCommit(ctx, "transaction.executed", e, map[string]string{
		"delegation_id":  req.DelegationID.String(),
		"transaction_id": tx.ID.String(),
		"amount":         req.Amount.String(),
	})
	return tx, nil
}

// Repay records a repayment, reducing the delegation's utilization. The
// on-time/late/missed status is derived from the due date and feeds the
// scoring engine's payment factors. Repayment is permitted on terminated
// delegations so positions can be wound down after revocation.
func (x *Executor) Repay(ctx context.Context, req RepayRequest) (*Repayment, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if req.IdempotencyKey != "" {
		if rp, err := x.replayedRepayment(ctx, req.IdempotencyKey); err == nil {
			return rp, nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	unlock := x.registry.Lock(req.DelegationID)
	defer unlock()

	if req.IdempotencyKey != "" {
		if rp, err := x.replayedRepayment(ctx, req.IdempotencyKey); err == nil {
			return rp, nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	d, err := x.registry.Get(req.DelegationID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(d.Utilized) {
		return nil, ErrExcessRepayment
	}

	now := time.Now().UTC()
	rp := &Repayment{
		ID:            uuid.New(),
		DelegationID:  req.DelegationID,
		AgentID:       d.AgentID,
		Amount:        req.Amount,
		DueAt:         req.DueAt,
		Status:        repaymentStatus(req.DueAt, now),
		UtilizedAfter: d.Utilized.Sub(req.Amount),
	}
	payload, err := ledger.MarshalPayload(RepayPayload{
		RepaymentID:   rp.ID,
		Amount:        rp.Amount,
		DueAt:         rp.DueAt,
		Status:        rp.Status,
		UtilizedAfter: rp.UtilizedAfter,
	})
	if err != nil {
		return nil, err
	}

	e := &ledger.Event{
		Kind:           ledger.KindRepaymentRecorded,
		DelegationID:   req.DelegationID,
		AgentID:        d.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
	}
	seq, err := x.store.Append(ctx, e)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return x.replayedRepayment(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("append repayment: %w", err)
	}
	rp.Seq = seq
	rp.RecordedAt = e.RecordedAt

	if err := x.registry.Apply(e); err != nil {
		return nil, err
	}
	if err := x.Apply(e); err != nil {
		return nil, err
	}

	x.logger.Info("repayment recorded",
		zap.Int64("seq", seq),
		zap.String("delegation_id", req.DelegationID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("status", rp.Status),
	)
	x.afterCommit(ctx, "repayment.recorded", e, map[string]string{
		"delegation_id": req.DelegationID.String(),
		"repayment_id":  rp.ID.String(),
		"amount":        req.Amount.String(),
		"status":        rp.Status,
	})
	return rp, nil
}

// Transactions returns the committed transaction history for a delegation,
// oldest first.
func (x *Executor) Transactions(delegationID uuid.UUID) []*Transaction {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Transaction, len(x.transactions[delegationID]))
	copy(out, x.transactions[delegationID])
	return out
}

// Repayments returns the committed repayment history for a delegation.
func (x *Executor) Repayments(delegationID uuid.UUID) []*Repayment {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Repayment, len(x.repayments[delegationID]))
	copy(out, x.repayments[delegationID])
	return out
}

// Apply implements ledger.Applier, folding transaction and repayment events
// into the history projection.
func (x *Executor) Apply(e *ledger.Event) error {
	switch e.Kind {
	case ledger.KindTransactionExecuted:
		var p TxPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode transaction payload: %w", err)
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if txs := x.transactions[e.DelegationID]; len(txs) > 0 && txs[len(txs)-1].Seq >= e.Seq {
			return nil // already applied
		}
		x.transactions[e.DelegationID] = append(x.transactions[e.DelegationID], &Transaction{
			ID:             p.TransactionID,
			DelegationID:   e.DelegationID,
			AgentID:        e.AgentID,
			Amount:         p.Amount,
			Category:       p.Category,
			ExecutedAt:     e.RecordedAt,
			UtilizedAfter:  p.UtilizedAfter,
			IdempotencyKey: e.IdempotencyKey,
			Seq:            e.Seq,
		})

	case ledger.KindRepaymentRecorded:
		var p RepayPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode repayment payload: %w", err)
		}
		x.mu.Lock()
		defer x.mu.Unlock()
		if rps := x.repayments[e.DelegationID]; len(rps) > 0 && rps[len(rps)-1].Seq >= e.Seq {
			return nil
		}
		x.repayments[e.DelegationID] = append(x.repayments[e.DelegationID], &Repayment{
			ID:            p.RepaymentID,
			DelegationID:  e.DelegationID,
			AgentID:       e.AgentID,
			Amount:        p.Amount,
			DueAt:         p.DueAt,
			RecordedAt:    e.RecordedAt,
			Status:        p.Status,
			UtilizedAfter: p.UtilizedAfter,
			Seq:           e.Seq,
		})
	}
	return nil
}

// replayedTransaction reconstructs the original result for a committed
// idempotency key. Returns ledger.ErrNotFound when the key is unseen.
func (x *Executor) replayedTransaction(ctx context.Context, key string) (*Transaction, error) {
	e, err := x.store.ByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Kind != ledger.KindTransactionExecuted {
		return nil, fmt.Errorf("idempotency key %q was committed by a %s event", key, e.Kind)
	}
	var p TxPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode transaction payload: %w", err)
	}
	return &Transaction{
		ID:             p.TransactionID,
		DelegationID:   e.DelegationID,
		AgentID:        e.AgentID,
		Amount:         p.Amount,
		Category:       p.Category,
		ExecutedAt:     e.RecordedAt,
		UtilizedAfter:  p.UtilizedAfter,
		IdempotencyKey: key,
		Seq:            e.Seq,
		Replayed:       true,
	}, nil
}

func (x *Executor) replayedRepayment(ctx context.Context, key string) (*Repayment, error) {
	e, err := x.store.ByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Kind != ledger.KindRepaymentRecorded {
		return nil, fmt.Errorf("idempotency key %q was committed by a %s event", key, e.Kind)
	}
	var p RepayPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode repayment payload: %w", err)
	}
	return &Repayment{
		ID:            p.RepaymentID,
		DelegationID:  e.DelegationID,
		AgentID:       e.AgentID,
		Amount:        p.Amount,
		DueAt:         p.DueAt,
		RecordedAt:    e.RecordedAt,
		Status:        p.Status,
		UtilizedAfter: p.UtilizedAfter,
		Seq:           e.Seq,
		Replayed:      true,
	}, nil
}

// reject records a rejection metric and returns the error unchanged.
// No state changes on any validation failure.
func (x *Executor) reject(err error) (*Transaction, error) {
	x.record(rejectionReason(err))
	return nil, err
}

func (x *Executor) record(outcome string) {
	if x.onMetrics != nil {
		x.onMetrics(outcome)
	}
}

// afterCommit triggers score recomputation and webhook fan-out. Both are
// non-fatal: the transaction is already committed.
func (x *Executor) afterCommit(ctx context.Context, eventType string, e *ledger.Event, payload map[string]string) {
	if x.scores != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := x.scores.Recompute(rctx, e.AgentID, e.Seq); err != nil {
				x.logger.Warn("score recompute failed (non-fatal)",
					zap.String("agent_id", e.AgentID),
					zap.Error(err),
				)
			}
		}()
	}
	if x.dispatcher != nil {
		payload["event_id"] = e.ID.String()
		payload["seq"] = fmt.Sprintf("%d", e.Seq)
		x.dispatcher.Dispatch(ctx, eventType, payload)
	}
}

// rejectionReason maps validation errors to stable metric label values.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUtilizationExceeded):
		return "utilization_exceeded"
	case errors.Is(err, ErrCategoryNotPermitted):
		return "category_not_permitted"
	case errors.Is(err, delegation.ErrRevoked):
		return "delegation_revoked"
	case errors.Is(err, delegation.ErrExpired):
		return "delegation_expired"
	case errors.Is(err, delegation.ErrNotActive):
		return "delegation_not_active"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "other"
	}
}
