package scoring

import (
	"time"
)

// Factor names for the eight weighted score inputs.
type Factor string

const (
	FactorPaymentHistory        Factor = "payment_history"
	FactorUtilizationEfficiency Factor = "utilization_efficiency"
	FactorPatternStability      Factor = "pattern_stability"
	FactorSectorDiversity       Factor = "sector_diversity"
	FactorHistoryDuration       Factor = "history_duration"
	FactorTransactionVolume     Factor = "transaction_volume"
	FactorExternalAttestations  Factor = "external_attestations"
	FactorRepaymentConsistency  Factor = "repayment_consistency"
)

// Score band. Unrated agents (no history) default to BaselineScore.
const (
	MinScore      = 300
	MaxScore      = 850
	BaselineScore = 600
)

// Rating labels derived from the score.
const (
	RatingExceptional = "exceptional"
	RatingExcellent   = "excellent"
	RatingGood        = "good"
	RatingFair        = "fair"
	RatingPoor        = "poor"
)

// RatingFor maps a score to its label:
//
//	≥800 → exceptional
//	≥740 → excellent
//	≥670 → good
//	≥580 → fair
//	else → poor
func RatingFor(score int) string {
	switch {
	case score >= 800:
		return RatingExceptional
	case score >= 740:
		return RatingExcellent
	case score >= 670:
		return RatingGood
	case score >= 580:
		return RatingFair
	default:
		return RatingPoor
	}
}

// Profile is the current creditworthiness view of one agent. Mutated only by
// the scoring engine; factor history is append-only.
type Profile struct {
	AgentID string             `json:"agent_id"`
	Score   int                `json:"score"`
	Rating  string             `json:"rating"`
	Factors map[Factor]float64 `json:"factors"`
	// Version is the ledger sequence number the score was computed from.
	// A write whose basis is at or below the stored version is discarded.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Factors = make(map[Factor]float64, len(p.Factors))
	for k, v := range p.Factors {
		cp.Factors[k] = v
	}
	return &cp
}

// Snapshot is one append-only factor-history record.
type Snapshot struct {
	Score   int                `json:"score"`
	Factors map[Factor]float64 `json:"factors"`
	Version int64              `json:"version"`
	At      time.Time          `json:"at"`
}

// AttestationPayload is the ledger payload of an attestation.recorded event.
type AttestationPayload struct {
	Issuer string  `json:"issuer"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
}
