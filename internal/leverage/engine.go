// Package leverage enforces the tier table: how much exposure an agent may
// carry against a delegation, backed by what collateral. Positions and
// collateral changes are committed to the ledger before the projection is
// updated, so the engine can always be rebuilt by replay. Valuations are
// derived from oracle data and recomputed at runtime; they are not persisted.
package leverage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mandatefi/mandate/internal/delegation"
	"github.com/mandatefi/mandate/internal/ledger"
	"github.com/mandatefi/mandate/internal/oracle"
	"github.com/mandatefi/mandate/internal/riskconfig"
	"github.com/mandatefi/mandate/internal/scoring"
)

// correlationPenalty scales how strongly average pairwise correlation
// discounts an asset's collateral value.
const correlationPenalty = 0.5

// liquidityFloor is the minimum value-weighted liquidity a proposed
// collateral package must carry.
const liquidityFloor = 0.5

// maxEvaluateRetries bounds optimistic-concurrency retries in Evaluate.
const maxEvaluateRetries = 3

// AdequacyCap bounds adequacy and leverage ratios. A position with no
// exposure, or no collateral against a positive exposure, reports the cap
// rather than +Inf so the values stay JSON-serializable.
const AdequacyCap = 1e6

// ProfileSource supplies agent score profiles for tier eligibility.
// *scoring.Engine satisfies this interface.
type ProfileSource interface {
	Profile(agentID string) *scoring.Profile
}

// DelegationSource looks up delegations for position validation.
// *delegation.Registry satisfies this interface.
type DelegationSource interface {
	Get(id uuid.UUID) (*delegation.Delegation, error)
}

// OpenRequest asks for a new position on a delegation.
type OpenRequest struct {
	DelegationID uuid.UUID    `json:"delegation_id"`
	Tier         string       `json:"tier"`
	AgreementRef string       `json:"agreement_ref,omitempty"`
	Collateral   []AssetInput `json:"collateral,omitempty"`
}

// Engine owns position and collateral state. It satisfies the executor's
// leverage check: every draw on a delegation that carries a position is
// validated against the tier ceiling before it commits.
type Engine struct {
	store       ledger.Store
	cfg         riskconfig.Config
	market      oracle.Oracle
	profiles    ProfileSource
	delegations DelegationSource
	logger      *zap.Logger

	mu           sync.RWMutex
	positions    map[uuid.UUID]*Position
	byDelegation map[uuid.UUID]uuid.UUID

	dispatcher delegation.WebhookDispatcher // nil = no webhook fan-out
}

// NewEngine creates an empty Engine. Call ledger.Replay with the engine as an
// applier to rebuild positions from the log.
func NewEngine(store ledger.Store, cfg riskconfig.Config, market oracle.Oracle, profiles ProfileSource, delegations DelegationSource, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		cfg:          cfg,
		market:       market,
		profiles:     profiles,
		delegations:  delegations,
		logger:       logger,
		positions:    make(map[uuid.UUID]*Position),
		byDelegation: make(map[uuid.UUID]uuid.UUID),
	}
}

// SetWebhookDispatcher configures webhook fan-out for position events.
func (ng *Engine) SetWebhookDispatcher(d delegation.WebhookDispatcher) { ng.dispatcher = d }

// Open validates tier eligibility and commits a position.opened event. Tiers
// that require collateral must pledge it in the same request; tiers that
// require a signed agreement must reference it.
func (ng *Engine) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	tier, ok := ng.cfg.TierByName(req.Tier)
	if !ok {
		return nil, ErrTierUnknown
	}

	d, err := ng.delegations.Get(req.DelegationID)
	if err != nil {
		return nil, err
	}
	if d.Status != delegation.StatusActive {
		return nil, delegation.StatusError(d.Status)
	}
	if _, err := ng.ByDelegation(req.DelegationID); err == nil {
		return nil, ErrPositionExists
	}

	if err := ng.checkEligibility(d.AgentID, tier, req.AgreementRef); err != nil {
		return nil, err
	}
	if tier.RequiresCollateral && len(req.Collateral) == 0 {
		return nil, fmt.Errorf("%w: tier %s requires collateral at open", ErrCollateralInadequate, tier.Name)
	}

	id := uuid.New()
	payload, err := ledger.MarshalPayload(OpenedPayload{
		PositionID:   id,
		DelegationID: req.DelegationID,
		AgentID:      d.AgentID,
		Tier:         tier.Name,
		Exposure:     d.Utilized,
	})
	if err != nil {
		return nil, err
	}
	e := &ledger.Event{
		Kind:         ledger.KindPositionOpened,
		DelegationID: req.DelegationID,
		PositionID:   id,
		AgentID:      d.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append position.opened: %w", err)
	}
	if err := ng.Apply(e); err != nil {
		return nil, err
	}

	ng.logger.Info("position opened",
		zap.String("position_id", id.String()),
		zap.String("delegation_id", req.DelegationID.String()),
		zap.String("tier", tier.Name),
	)

	if len(req.Collateral) > 0 {
		if _, err := ng.Pledge(ctx, id, req.Collateral); err != nil {
			return nil, err
		}
	}
	return ng.Get(id)
}

// checkEligibility enforces the tier's score, history, and agreement
// requirements against the agent's current profile.
func (ng *Engine) checkEligibility(agentID string, tier riskconfig.Tier, agreementRef string) error {
	p := ng.profiles.Profile(agentID)
	if p.Score < tier.MinScore {
		return fmt.Errorf("%w: score %d below tier minimum %d", ErrNotEligible, p.Score, tier.MinScore)
	}
	historyDays := int(p.Factors[scoring.FactorHistoryDuration] * 365)
	if historyDays < tier.MinHistoryDays {
		return fmt.Errorf("%w: %d history days below tier minimum %d", ErrNotEligible, historyDays, tier.MinHistoryDays)
	}
	if tier.RequiresAgreement && agreementRef == "" {
		return fmt.Errorf("%w: tier %s requires a signed agreement reference", ErrNotEligible, tier.Name)
	}
	return nil
}

// Pledge values the given assets at current oracle prices and commits a
// collateral.pledged event extending the position's package.
func (ng *Engine) Pledge(ctx context.Context, positionID uuid.UUID, inputs []AssetInput) (*Position, error) {
	pos, err := ng.Get(positionID)
	if err != nil {
		return nil, err
	}
	if pos.State.Terminal() {
		return nil, ErrPositionTerminal
	}

	assets, err := ng.priceAssets(ctx, inputs)
	if err != nil {
		return nil, err
	}
	combined := assets
	if pos.Package != nil {
		combined = mergeAssets(pos.Package.Assets, assets)
	}
	adjusted, riskScore, err := ng.valuePackage(ctx, combined)
	if err != nil {
		return nil, err
	}

	pkgID := uuid.New()
	if pos.Package != nil {
		pkgID = pos.Package.ID
	}
	payload, err := ledger.MarshalPayload(PledgePayload{
		PackageID:         pkgID,
		Assets:            assets,
		RiskScore:         riskScore,
		RiskAdjustedValue: adjusted,
	})
	if err != nil {
		return nil, err
	}
	e := &ledger.Event{
		Kind:         ledger.KindCollateralPledged,
		DelegationID: pos.DelegationID,
		PositionID:   positionID,
		AgentID:      pos.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append collateral.pledged: %w", err)
	}
	if err := ng.Apply(e); err != nil {
		return nil, err
	}
	return ng.Get(positionID)
}

// Release removes assets from the package. Refused when the remaining
// collateral would drop adequacy below the warning threshold.
func (ng *Engine) Release(ctx context.Context, positionID uuid.UUID, symbols []string) (*Position, error) {
	pos, err := ng.Get(positionID)
	if err != nil {
		return nil, err
	}
	if pos.State.Terminal() || pos.State == StateLiquidating {
		return nil, ErrPositionTerminal
	}
	if pos.Package == nil {
		return nil, fmt.Errorf("%w: no collateral pledged", ErrCollateralInadequate)
	}

	drop := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		drop[s] = true
	}
	var remaining []Asset
	for _, a := range pos.Package.Assets {
		if !drop[a.Symbol] {
			remaining = append(remaining, a)
		}
	}

	adjusted, _, err := ng.valuePackage(ctx, remaining)
	if err != nil {
		return nil, err
	}
	tier, _ := ng.cfg.TierByName(pos.Tier)
	if Adequacy(pos.Exposure, adjusted, tier.MaxLeverage) < ng.cfg.Liquidation.WarningAdequacy {
		return nil, fmt.Errorf("%w: release would drop adequacy below %g",
			ErrCollateralInadequate, ng.cfg.Liquidation.WarningAdequacy)
	}

	payload, err := ledger.MarshalPayload(ReleasePayload{Symbols: symbols})
	if err != nil {
		return nil, err
	}
	e := &ledger.Event{
		Kind:         ledger.KindCollateralReleased,
		DelegationID: pos.DelegationID,
		PositionID:   positionID,
		AgentID:      pos.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append collateral.released: %w", err)
	}
	if err := ng.Apply(e); err != nil {
		return nil, err
	}
	return ng.Get(positionID)
}

// Evaluate re-values the position's collateral at current oracle prices and
// updates its leverage ratio, adequacy, and Healthy/Warning state. Stale
// oracle data fails the whole evaluation with no partial effects. Concurrent
// modifications are retried a bounded number of times before
// ErrVersionConflict.
func (ng *Engine) Evaluate(ctx context.Context, positionID uuid.UUID) (*Evaluation, error) {
	for attempt := 0; attempt < maxEvaluateRetries; attempt++ {
		pos, err := ng.Get(positionID)
		if err != nil {
			return nil, err
		}
		if pos.State.Terminal() {
			return nil, ErrPositionTerminal
		}
		basis := pos.Version

		var (
			adjusted  decimal.Decimal
			riskScore float64
			repriced  []Asset
		)
		if pos.Package != nil {
			repriced, err = ng.reprice(ctx, pos.Package.Assets)
			if err != nil {
				return nil, err
			}
			adjusted, riskScore, err = ng.valuePackage(ctx, repriced)
			if err != nil {
				return nil, err
			}
		}

		tier, ok := ng.cfg.TierByName(pos.Tier)
		if !ok {
			return nil, ErrTierUnknown
		}
		now := time.Now().UTC()
		ratio := leverageRatio(pos.Exposure, adjusted)
		adeq := Adequacy(pos.Exposure, adjusted, tier.MaxLeverage)

		ng.mu.Lock()
		cur, ok := ng.positions[positionID]
		if !ok {
			ng.mu.Unlock()
			return nil, ErrPositionNotFound
		}
		if cur.Version != basis {
			ng.mu.Unlock()
			continue // concurrent change, retry against new state
		}
		cur.LeverageRatio = ratio
		cur.Adequacy = adeq
		if cur.Package != nil {
			cur.Package.Assets = repriced
			cur.Package.RiskAdjustedValue = adjusted
			cur.Package.RiskScore = riskScore
			cur.Package.ValuedAt = now
		}
		if cur.State == StateHealthy || cur.State == StateWarning {
			if adeq < ng.cfg.Liquidation.WarningAdequacy {
				if cur.State != StateWarning {
					cur.State = StateWarning
					cur.GraceDeadline = now.Add(ng.cfg.Liquidation.GraceWindow)
				}
			} else {
				cur.State = StateHealthy
				cur.GraceDeadline = time.Time{}
			}
		}
		cur.UpdatedAt = now
		cur.Version++
		state := cur.State
		ng.mu.Unlock()

		ng.logger.Debug("position evaluated",
			zap.String("position_id", positionID.String()),
			zap.Float64("leverage_ratio", ratio),
			zap.Float64("adequacy", adeq),
			zap.String("state", string(state)),
		)
		return &Evaluation{
			PositionID:    positionID,
			Tier:          tier.Name,
			LeverageRatio: ratio,
			Adequacy:      adeq,
			RiskScore:     riskScore,
			EvaluatedAt:   now,
		}, nil
	}
	return nil, ErrVersionConflict
}

// Rebalance commits a position.rebalanced event asking the agent to restore
// the leverage ratio below the advisory band, with a grace deadline. The
// request is advisory: enforcement is the liquidation controller's job once
// the deadline passes.
func (ng *Engine) Rebalance(ctx context.Context, positionID uuid.UUID, reason string) (*Position, error) {
	pos, err := ng.Get(positionID)
	if err != nil {
		return nil, err
	}
	if pos.State.Terminal() {
		return nil, ErrPositionTerminal
	}
	tier, ok := ng.cfg.TierByName(pos.Tier)
	if !ok {
		return nil, ErrTierUnknown
	}

	required := requiredCollateral(pos.Exposure, tier.MaxLeverage)
	deadline := time.Now().UTC().Add(ng.cfg.Liquidation.GraceWindow)
	payload, err := ledger.MarshalPayload(RebalancePayload{
		Reason:             reason,
		ExposureDelta:      decimal.Zero,
		RequiredCollateral: required,
		GraceDeadline:      deadline,
	})
	if err != nil {
		return nil, err
	}
	e := &ledger.Event{
		Kind:         ledger.KindPositionRebalanced,
		DelegationID: pos.DelegationID,
		PositionID:   positionID,
		AgentID:      pos.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append position.rebalanced: %w", err)
	}
	if err := ng.Apply(e); err != nil {
		return nil, err
	}

	ng.logger.Warn("rebalance requested",
		zap.String("position_id", positionID.String()),
		zap.String("reason", reason),
		zap.String("required_collateral", required.String()),
		zap.Time("deadline", deadline),
	)
	ng.dispatch(ctx, "position.rebalanced", e, map[string]string{
		"position_id":         positionID.String(),
		"reason":              reason,
		"required_collateral": required.String(),
	})
	return ng.Get(positionID)
}

// EnterStage commits a liquidation.stage_entered event. Called by the
// liquidation controller, which computes seizure and insurance amounts.
func (ng *Engine) EnterStage(ctx context.Context, positionID uuid.UUID, p StagePayload) error {
	pos, err := ng.Get(positionID)
	if err != nil {
		return err
	}
	payload, err := ledger.MarshalPayload(p)
	if err != nil {
		return err
	}
	e := &ledger.Event{
		Kind:         ledger.KindLiquidationStageEntered,
		DelegationID: pos.DelegationID,
		PositionID:   positionID,
		AgentID:      pos.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append liquidation.stage_entered: %w", err)
	}
	if err := ng.Apply(e); err != nil {
		return err
	}
	ng.dispatch(ctx, "liquidation.stage_entered", e, map[string]string{
		"position_id": positionID.String(),
		"stage":       fmt.Sprintf("%d", p.Stage),
		"trigger":     p.Trigger,
	})
	return nil
}

// Close commits a position.closed event with the final state.
func (ng *Engine) Close(ctx context.Context, positionID uuid.UUID, p ClosePayload) error {
	pos, err := ng.Get(positionID)
	if err != nil {
		return err
	}
	if pos.State.Terminal() {
		return ErrPositionTerminal
	}
	payload, err := ledger.MarshalPayload(p)
	if err != nil {
		return err
	}
	e := &ledger.Event{
		Kind:         ledger.KindPositionClosed,
		DelegationID: pos.DelegationID,
		PositionID:   positionID,
		AgentID:      pos.AgentID,
		Payload:      payload,
	}
	if _, err := ng.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append position.closed: %w", err)
	}
	return ng.Apply(e)
}

// CheckExposure validates a proposed draw against the position's tier
// ceiling. Delegations without a position pass unchecked. The valuation is
// refreshed when older than the oracle max age, so a stale oracle blocks the
// draw rather than approving it on old prices.
func (ng *Engine) CheckExposure(ctx context.Context, delegationID uuid.UUID, amount decimal.Decimal) error {
	pos, err := ng.ByDelegation(delegationID)
	if err != nil {
		return nil // no position, no leverage constraint
	}
	if pos.State == StateLiquidating || pos.State.Terminal() {
		return fmt.Errorf("%w: position is %s", ErrLeverageExceeded, pos.State)
	}

	if pos.Package != nil && time.Since(pos.Package.ValuedAt) > ng.cfg.Oracle.MaxQuoteAge {
		if _, err := ng.Evaluate(ctx, pos.ID); err != nil {
			return err
		}
		if pos, err = ng.Get(pos.ID); err != nil {
			return err
		}
	}

	tier, ok := ng.cfg.TierByName(pos.Tier)
	if !ok {
		return ErrTierUnknown
	}
	var adjusted decimal.Decimal
	if pos.Package != nil {
		adjusted = pos.Package.RiskAdjustedValue
	}
	projected := pos.Exposure.Add(amount)
	if leverageRatio(projected, adjusted) > tier.MaxLeverage {
		return fmt.Errorf("%w: projected ratio %.2f over tier %s ceiling %.2f",
			ErrLeverageExceeded, leverageRatio(projected, adjusted), tier.Name, tier.MaxLeverage)
	}
	return nil
}

// BuildPackage proposes a collateral package from the candidate assets:
// greedy selection by lowest marginal correlation, holding value-weighted
// liquidity at or above the floor, until the risk-adjusted value reaches the
// target. Advisory only; nothing is committed.
func (ng *Engine) BuildPackage(ctx context.Context, candidates []AssetInput, target decimal.Decimal) ([]Asset, error) {
	priced, err := ng.priceAssets(ctx, candidates)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(priced))
	for i, a := range priced {
		symbols[i] = a.Symbol
	}
	corr, err := ng.market.Correlations(ctx, symbols)
	if err != nil {
		return nil, err
	}

	// Start from the most liquid candidate, then add whichever asset raises
	// average pairwise correlation the least while keeping the package liquid.
	sort.SliceStable(priced, func(i, j int) bool {
		return priced[i].LiquidityWeight > priced[j].LiquidityWeight
	})
	var selected []Asset
	remaining := append([]Asset(nil), priced...)

	for len(remaining) > 0 {
		adjusted := riskAdjustedValue(selected, corr)
		if adjusted.GreaterThanOrEqual(target) {
			break
		}
		best, bestIdx := -1.0, -1
		for i, c := range remaining {
			trial := append(append([]Asset(nil), selected...), c)
			if weightedLiquidity(trial) < liquidityFloor {
				continue
			}
			mc := avgCorrelation(trial, corr)
			if bestIdx == -1 || mc < best {
				best, bestIdx = mc, i
			}
		}
		if bestIdx == -1 {
			break // every remaining addition breaks the liquidity floor
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	if riskAdjustedValue(selected, corr).LessThan(target) {
		return nil, fmt.Errorf("%w: candidates cannot reach target %s under liquidity floor %g",
			ErrCollateralInadequate, target, liquidityFloor)
	}
	return selected, nil
}

// Get returns a copy of the position with the given id.
func (ng *Engine) Get(id uuid.UUID) (*Position, error) {
	ng.mu.RLock()
	defer ng.mu.RUnlock()
	pos, ok := ng.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return pos.clone(), nil
}

// ByDelegation returns a copy of the position backing the delegation.
func (ng *Engine) ByDelegation(delegationID uuid.UUID) (*Position, error) {
	ng.mu.RLock()
	defer ng.mu.RUnlock()
	id, ok := ng.byDelegation[delegationID]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return ng.positions[id].clone(), nil
}

// List returns all positions, optionally filtered by state.
func (ng *Engine) List(state State) []*Position {
	ng.mu.RLock()
	defer ng.mu.RUnlock()
	var out []*Position
	for _, pos := range ng.positions {
		if state != "" && pos.State != state {
			continue
		}
		out = append(out, pos.clone())
	}
	return out
}

// Apply implements ledger.Applier. It folds position lifecycle, collateral,
// and exposure-affecting events into the projection. Events at or below the
// position's applied sequence are skipped.
func (ng *Engine) Apply(e *ledger.Event) error {
	ng.mu.Lock()
	defer ng.mu.Unlock()

	if e.Kind == ledger.KindPositionOpened {
		var p OpenedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode position.opened payload: %w", err)
		}
		if existing, ok := ng.positions[p.PositionID]; ok && e.Seq <= existing.AsOfSeq {
			return nil
		}
		ng.positions[p.PositionID] = &Position{
			ID:           p.PositionID,
			DelegationID: p.DelegationID,
			AgentID:      p.AgentID,
			Tier:         p.Tier,
			Exposure:     p.Exposure,
			State:        StateHealthy,
			OpenedAt:     e.RecordedAt,
			UpdatedAt:    e.RecordedAt,
			Version:      1,
			AsOfSeq:      e.Seq,
		}
		ng.byDelegation[p.DelegationID] = p.PositionID
		return nil
	}

	pos := ng.positionFor(e)
	if pos == nil || e.Seq <= pos.AsOfSeq {
		return nil
	}

	switch e.Kind {
	case ledger.KindCollateralPledged:
		var p PledgePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode collateral.pledged payload: %w", err)
		}
		if pos.Package == nil {
			pos.Package = &CollateralPackage{ID: p.PackageID}
		}
		pos.Package.Assets = mergeAssets(pos.Package.Assets, p.Assets)
		pos.Package.RiskScore = p.RiskScore
		pos.Package.RiskAdjustedValue = p.RiskAdjustedValue
		pos.Package.ValuedAt = e.RecordedAt

	case ledger.KindCollateralReleased:
		var p ReleasePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode collateral.released payload: %w", err)
		}
		if pos.Package != nil {
			drop := make(map[string]bool, len(p.Symbols))
			for _, s := range p.Symbols {
				drop[s] = true
			}
			var kept []Asset
			for _, a := range pos.Package.Assets {
				if !drop[a.Symbol] {
					kept = append(kept, a)
				}
			}
			pos.Package.Assets = kept
		}

	case ledger.KindPositionRebalanced:
		var p RebalancePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode position.rebalanced payload: %w", err)
		}
		pos.Exposure = pos.Exposure.Add(p.ExposureDelta)
		if pos.Exposure.IsNegative() {
			pos.Exposure = decimal.Zero
		}
		pos.GraceDeadline = p.GraceDeadline
		if pos.State == StateHealthy {
			pos.State = StateWarning
		}

	case ledger.KindLiquidationStageEntered:
		var p StagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode liquidation.stage_entered payload: %w", err)
		}
		pos.State = StateLiquidating
		pos.Stage = p.Stage
		pos.Exposure = p.ExposureAfter
		pos.Adequacy = p.Adequacy
		pos.GraceDeadline = e.RecordedAt.Add(ng.cfg.Liquidation.GraceWindow)
		if pos.Package != nil && p.Seized.IsPositive() && pos.Package.RiskAdjustedValue.IsPositive() {
			// Scale the package down by the seized share.
			factor := decimal.NewFromInt(1).Sub(p.Seized.Div(pos.Package.RiskAdjustedValue))
			if factor.IsNegative() {
				factor = decimal.Zero
			}
			for i := range pos.Package.Assets {
				pos.Package.Assets[i].Units = pos.Package.Assets[i].Units.Mul(factor)
			}
			pos.Package.RiskAdjustedValue = pos.Package.RiskAdjustedValue.Mul(factor)
		}

	case ledger.KindPositionClosed:
		var p ClosePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode position.closed payload: %w", err)
		}
		pos.State = p.Final
		pos.GraceDeadline = time.Time{}

	case ledger.KindTransactionExecuted:
		var p struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode transaction payload: %w", err)
		}
		pos.Exposure = pos.Exposure.Add(p.Amount)

	case ledger.KindRepaymentRecorded:
		var p struct {
			Amount decimal.Decimal `json:"amount"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode repayment payload: %w", err)
		}
		pos.Exposure = pos.Exposure.Sub(p.Amount)
		if pos.Exposure.IsNegative() {
			pos.Exposure = decimal.Zero
		}

	default:
		return nil
	}

	pos.UpdatedAt = e.RecordedAt
	pos.Version++
	pos.AsOfSeq = e.Seq
	return nil
}

// positionFor resolves the position an event targets, by position id or by
// the event's delegation. Caller holds mu.
func (ng *Engine) positionFor(e *ledger.Event) *Position {
	if e.PositionID != uuid.Nil {
		return ng.positions[e.PositionID]
	}
	if id, ok := ng.byDelegation[e.DelegationID]; ok {
		return ng.positions[id]
	}
	return nil
}

// priceAssets resolves oracle quotes for the inputs. All-or-nothing: one
// stale or unknown symbol fails the whole pricing.
func (ng *Engine) priceAssets(ctx context.Context, inputs []AssetInput) ([]Asset, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	symbols := make([]string, len(inputs))
	for i, in := range inputs {
		symbols[i] = in.Symbol
	}
	quotes, err := ng.market.Quotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make([]Asset, len(inputs))
	for i, in := range inputs {
		q, ok := quotes[in.Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s", oracle.ErrUnknownSymbol, in.Symbol)
		}
		lw := in.LiquidityWeight
		if lw <= 0 || lw > 1 {
			lw = 1
		}
		out[i] = Asset{
			Symbol:          in.Symbol,
			Units:           in.Units,
			Price:           q.Price,
			Volatility:      q.Volatility,
			LiquidityWeight: lw,
		}
	}
	return out, nil
}

// mergeAssets folds incoming assets into existing, one entry per symbol.
// A repeat pledge of a symbol adds units to its entry and takes the
// incoming price, volatility, and liquidity weight; a duplicate entry would
// count as a perfectly correlated second asset in the valuation.
func mergeAssets(existing, incoming []Asset) []Asset {
	out := append([]Asset(nil), existing...)
	idx := make(map[string]int, len(out))
	for i, a := range out {
		idx[a.Symbol] = i
	}
	for _, in := range incoming {
		if i, ok := idx[in.Symbol]; ok {
			units := out[i].Units.Add(in.Units)
			out[i] = in
			out[i].Units = units
			continue
		}
		idx[in.Symbol] = len(out)
		out = append(out, in)
	}
	return out
}

// reprice refreshes prices and volatilities on existing assets.
func (ng *Engine) reprice(ctx context.Context, assets []Asset) ([]Asset, error) {
	symbols := make([]string, len(assets))
	for i, a := range assets {
		symbols[i] = a.Symbol
	}
	quotes, err := ng.market.Quotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := append([]Asset(nil), assets...)
	for i := range out {
		q, ok := quotes[out[i].Symbol]
		if !ok {
			return nil, fmt.Errorf("%w: %s", oracle.ErrUnknownSymbol, out[i].Symbol)
		}
		out[i].Price = q.Price
		out[i].Volatility = q.Volatility
	}
	return out, nil
}

// valuePackage computes the risk-adjusted value and portfolio risk score of
// an asset set, fetching correlations from the oracle.
func (ng *Engine) valuePackage(ctx context.Context, assets []Asset) (decimal.Decimal, float64, error) {
	if len(assets) == 0 {
		return decimal.Zero, 0, nil
	}
	symbols := make([]string, len(assets))
	for i, a := range assets {
		symbols[i] = a.Symbol
	}
	corr, err := ng.market.Correlations(ctx, symbols)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return riskAdjustedValue(assets, corr), portfolioRiskScore(assets, corr), nil
}

func (ng *Engine) dispatch(ctx context.Context, eventType string, e *ledger.Event, payload map[string]string) {
	if ng.dispatcher == nil {
		return
	}
	payload["event_id"] = e.ID.String()
	payload["seq"] = fmt.Sprintf("%d", e.Seq)
	ng.dispatcher.Dispatch(ctx, eventType, payload)
}

// ── Valuation arithmetic ──────────────────────────────────────────────────────

// riskAdjustedValue discounts each asset's market value by its volatility
// haircut, liquidity weight, and a penalty for correlation with the rest of
// the package, then sums.
func riskAdjustedValue(assets []Asset, corr *oracle.CorrelationMatrix) decimal.Decimal {
	total := decimal.Zero
	for i, a := range assets {
		haircut := 1 - clamp01(a.Volatility)
		penalty := 1 - correlationPenalty*avgCorrelationWith(assets, i, corr)
		factor := haircut * clamp01(a.LiquidityWeight) * penalty
		if factor < 0 {
			factor = 0
		}
		total = total.Add(a.Value().Mul(decimal.NewFromFloat(factor)))
	}
	return total
}

// portfolioRiskScore blends value-weighted volatility with average pairwise
// correlation into [0, 1].
func portfolioRiskScore(assets []Asset, corr *oracle.CorrelationMatrix) float64 {
	totalValue := decimal.Zero
	for _, a := range assets {
		totalValue = totalValue.Add(a.Value())
	}
	if totalValue.IsZero() {
		return 0
	}
	weightedVol := 0.0
	for _, a := range assets {
		w, _ := a.Value().Div(totalValue).Float64()
		weightedVol += w * clamp01(a.Volatility)
	}
	return clamp01(0.6*weightedVol + 0.4*avgCorrelation(assets, corr))
}

// avgCorrelationWith is the mean correlation of assets[i] with every other
// asset in the set.
func avgCorrelationWith(assets []Asset, i int, corr *oracle.CorrelationMatrix) float64 {
	if len(assets) < 2 || corr == nil {
		return 0
	}
	sum := 0.0
	for j, b := range assets {
		if j == i {
			continue
		}
		sum += math.Abs(corr.At(assets[i].Symbol, b.Symbol))
	}
	return sum / float64(len(assets)-1)
}

// avgCorrelation is the mean absolute pairwise correlation across the set.
func avgCorrelation(assets []Asset, corr *oracle.CorrelationMatrix) float64 {
	if len(assets) < 2 || corr == nil {
		return 0
	}
	sum, n := 0.0, 0
	for i := 0; i < len(assets); i++ {
		for j := i + 1; j < len(assets); j++ {
			sum += math.Abs(corr.At(assets[i].Symbol, assets[j].Symbol))
			n++
		}
	}
	return sum / float64(n)
}

// weightedLiquidity is the value-weighted liquidity of the set.
func weightedLiquidity(assets []Asset) float64 {
	totalValue := decimal.Zero
	for _, a := range assets {
		totalValue = totalValue.Add(a.Value())
	}
	if totalValue.IsZero() {
		return 0
	}
	sum := 0.0
	for _, a := range assets {
		w, _ := a.Value().Div(totalValue).Float64()
		sum += w * clamp01(a.LiquidityWeight)
	}
	return sum
}

// leverageRatio is exposure over risk-adjusted collateral. Zero collateral
// with positive exposure is treated as maximal leverage.
func leverageRatio(exposure, adjusted decimal.Decimal) float64 {
	if exposure.IsZero() {
		return 0
	}
	if adjusted.IsZero() {
		return AdequacyCap
	}
	r, _ := exposure.Div(adjusted).Float64()
	if r > AdequacyCap {
		r = AdequacyCap
	}
	return r
}

// Adequacy is risk-adjusted collateral over the tier's requirement
// (exposure / maxLeverage). Positions without exposure are fully adequate
// and report AdequacyCap.
func Adequacy(exposure, adjusted decimal.Decimal, maxLeverage float64) float64 {
	if exposure.IsZero() {
		return AdequacyCap
	}
	required := requiredCollateral(exposure, maxLeverage)
	if required.IsZero() {
		return AdequacyCap
	}
	a, _ := adjusted.Div(required).Float64()
	if a > AdequacyCap {
		a = AdequacyCap
	}
	return a
}

// requiredCollateral is the minimum risk-adjusted collateral for an exposure
// at the tier's ceiling.
func requiredCollateral(exposure decimal.Decimal, maxLeverage float64) decimal.Decimal {
	if maxLeverage <= 0 {
		return exposure
	}
	return exposure.Div(decimal.NewFromFloat(maxLeverage))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
