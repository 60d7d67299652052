package leverage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the liquidation lifecycle state of a position. Transitions are
// driven by the liquidation controller; the leverage engine folds them into
// the projection.
type State string

const (
	StateHealthy     State = "healthy"
	StateWarning     State = "warning"
	StateLiquidating State = "liquidating"
	StateClosed      State = "closed"
	StateLiquidated  State = "liquidated"
)

// Terminal reports whether the position can no longer transition.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateLiquidated
}

// Sentinel errors for position operations.
var (
	// ErrPositionNotFound is returned when no position matches the id.
	ErrPositionNotFound = errors.New("position not found")
	// ErrLeverageExceeded is returned when a draw or evaluation would push
	// the leverage ratio past the tier ceiling.
	ErrLeverageExceeded = errors.New("tier leverage ceiling exceeded")
	// ErrCollateralInadequate is returned when the risk-adjusted collateral
	// value is below the tier's requirement.
	ErrCollateralInadequate = errors.New("collateral inadequate for tier")
	// ErrTierUnknown is returned for a tier name absent from the table.
	ErrTierUnknown = errors.New("unknown leverage tier")
	// ErrNotEligible is returned when the agent does not meet the tier's
	// history or score requirements.
	ErrNotEligible = errors.New("agent not eligible for tier")
	// ErrVersionConflict is returned when optimistic version checks kept
	// failing. Recoverable by resubmission.
	ErrVersionConflict = errors.New("concurrent position modification conflict")
	// ErrPositionExists is returned when the delegation already has a position.
	ErrPositionExists = errors.New("delegation already has a position")
	// ErrPositionTerminal is returned for operations on a closed or
	// liquidated position.
	ErrPositionTerminal = errors.New("position is closed or liquidated")
)

// Asset is one constituent of a collateral package, valued at pledge or
// evaluation time.
type Asset struct {
	Symbol          string          `json:"symbol"`
	Units           decimal.Decimal `json:"units"`
	Price           decimal.Decimal `json:"price"`
	Volatility      float64         `json:"volatility"`
	LiquidityWeight float64         `json:"liquidity_weight"` // in (0, 1]
}

// Value returns Units × Price.
func (a Asset) Value() decimal.Decimal {
	return a.Units.Mul(a.Price)
}

// AssetInput is a pledge request before oracle valuation.
type AssetInput struct {
	Symbol          string          `json:"symbol"`
	Units           decimal.Decimal `json:"units"`
	LiquidityWeight float64         `json:"liquidity_weight"`
}

// CollateralPackage is the set of assets backing one position, with its
// computed portfolio risk score and risk-adjusted value.
type CollateralPackage struct {
	ID     uuid.UUID `json:"id"`
	Assets []Asset   `json:"assets"`
	// RiskScore aggregates volatility and pairwise correlation in [0, 1];
	// higher is riskier.
	RiskScore float64 `json:"risk_score"`
	// RiskAdjustedValue is the haircut value counted toward adequacy.
	RiskAdjustedValue decimal.Decimal `json:"risk_adjusted_value"`
	ValuedAt          time.Time       `json:"valued_at"`
}

// Symbols returns the package's constituent symbols.
func (p *CollateralPackage) Symbols() []string {
	out := make([]string, len(p.Assets))
	for i, a := range p.Assets {
		out[i] = a.Symbol
	}
	return out
}

// Position is a leveraged exposure tied to one delegation.
// Invariant: LeverageRatio ≤ tier max leverage after every evaluation.
type Position struct {
	ID           uuid.UUID `json:"id"`
	DelegationID uuid.UUID `json:"delegation_id"`
	AgentID      string    `json:"agent_id"`
	Tier         string    `json:"tier"`
	// Exposure is the notional drawn against the delegation; it tracks
	// transaction and repayment events plus rebalance/liquidation unwinds.
	Exposure decimal.Decimal `json:"exposure"`
	// LeverageRatio is Exposure over risk-adjusted collateral value,
	// recomputed on evaluation.
	LeverageRatio float64 `json:"leverage_ratio"`
	// Adequacy is risk-adjusted collateral over the tier requirement
	// (Exposure / maxLeverage). Below 1 the tier bound is broken.
	Adequacy float64            `json:"adequacy"`
	State    State              `json:"state"`
	Stage    int                `json:"stage"` // current liquidation stage, 0 = none
	Package  *CollateralPackage `json:"package,omitempty"`
	// GraceDeadline is the recovery deadline set when the position enters
	// Warning or is asked to rebalance. Zero when none is pending.
	GraceDeadline time.Time `json:"grace_deadline,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// Version is the optimistic-concurrency counter; every applied change
	// increments it.
	Version int64 `json:"version"`
	// AsOfSeq is the ledger sequence of the last applied event.
	AsOfSeq int64 `json:"as_of_seq"`
}

func (p *Position) clone() *Position {
	cp := *p
	if p.Package != nil {
		pkg := *p.Package
		pkg.Assets = append([]Asset(nil), p.Package.Assets...)
		cp.Package = &pkg
	}
	return &cp
}

// Evaluation is the result of EvaluatePosition.
type Evaluation struct {
	PositionID    uuid.UUID `json:"position_id"`
	Tier          string    `json:"tier"`
	LeverageRatio float64   `json:"leverage_ratio"`
	Adequacy      float64   `json:"collateral_adequacy"`
	RiskScore     float64   `json:"risk_score"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// ── Ledger event payloads ─────────────────────────────────────────────────────

// OpenedPayload is the ledger payload of a position.opened event.
type OpenedPayload struct {
	PositionID   uuid.UUID       `json:"position_id"`
	DelegationID uuid.UUID       `json:"delegation_id"`
	AgentID      string          `json:"agent_id"`
	Tier         string          `json:"tier"`
	Exposure     decimal.Decimal `json:"exposure"`
}

// PledgePayload is the ledger payload of a collateral.pledged event.
type PledgePayload struct {
	PackageID         uuid.UUID       `json:"package_id"`
	Assets            []Asset         `json:"assets"`
	RiskScore         float64         `json:"risk_score"`
	RiskAdjustedValue decimal.Decimal `json:"risk_adjusted_value"`
}

// ReleasePayload is the ledger payload of a collateral.released event.
type ReleasePayload struct {
	Symbols []string `json:"symbols"`
}

// RebalancePayload is the ledger payload of a position.rebalanced event.
// A rebalance is advisory first: the grace deadline gives the agent time to
// reduce exposure or pledge collateral before the controller escalates.
type RebalancePayload struct {
	Reason             string          `json:"reason"`
	ExposureDelta      decimal.Decimal `json:"exposure_delta"` // negative = unwound
	RequiredCollateral decimal.Decimal `json:"required_collateral"`
	GraceDeadline      time.Time       `json:"grace_deadline"`
}

// StagePayload is the ledger payload of a liquidation.stage_entered event.
type StagePayload struct {
	Stage           int             `json:"stage"`
	Trigger         string          `json:"trigger"`
	Seized          decimal.Decimal `json:"seized"`
	InsurancePayout decimal.Decimal `json:"insurance_payout"`
	ExposureAfter   decimal.Decimal `json:"exposure_after"`
	Adequacy        float64         `json:"adequacy"`
}

// ClosePayload is the ledger payload of a position.closed event.
type ClosePayload struct {
	Final  State  `json:"final"`
	Reason string `json:"reason"`
}
