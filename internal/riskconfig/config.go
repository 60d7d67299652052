// Package riskconfig holds the versioned risk parameters consumed by the
// scoring, leverage, and liquidation engines: factor weights, the leverage
// tier table, liquidation thresholds, and circuit-breaker settings.
//
// Configuration changes never rewrite committed ledger events; engines only
// consult the active Config for future evaluations.
package riskconfig

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// ScoringWeights are the per-factor weights applied by the scoring engine.
// Weights must be non-negative and sum to 1.
type ScoringWeights struct {
	PaymentHistory        float64 `mapstructure:"payment_history"        json:"payment_history"`
	UtilizationEfficiency float64 `mapstructure:"utilization_efficiency" json:"utilization_efficiency"`
	PatternStability      float64 `mapstructure:"pattern_stability"      json:"pattern_stability"`
	SectorDiversity       float64 `mapstructure:"sector_diversity"       json:"sector_diversity"`
	HistoryDuration       float64 `mapstructure:"history_duration"       json:"history_duration"`
	TransactionVolume     float64 `mapstructure:"transaction_volume"     json:"transaction_volume"`
	ExternalAttestations  float64 `mapstructure:"external_attestations"  json:"external_attestations"`
	RepaymentConsistency  float64 `mapstructure:"repayment_consistency"  json:"repayment_consistency"`
}

// Sum returns the total of all factor weights.
func (w ScoringWeights) Sum() float64 {
	return w.PaymentHistory + w.UtilizationEfficiency + w.PatternStability +
		w.SectorDiversity + w.HistoryDuration + w.TransactionVolume +
		w.ExternalAttestations + w.RepaymentConsistency
}

// Tier is one row of the leverage tier table.
type Tier struct {
	Name               string  `mapstructure:"name"                json:"name"`
	MaxLeverage        float64 `mapstructure:"max_leverage"        json:"max_leverage"`
	MinHistoryDays     int     `mapstructure:"min_history_days"    json:"min_history_days"`
	MinScore           int     `mapstructure:"min_score"           json:"min_score"`
	RequiresCollateral bool    `mapstructure:"requires_collateral" json:"requires_collateral"`
	RequiresAgreement  bool    `mapstructure:"requires_agreement"  json:"requires_agreement"`
}

// LiquidationThresholds configure the Healthy→Warning→Liquidating machine.
type LiquidationThresholds struct {
	// WarningAdequacy: collateral adequacy below this enters Warning.
	WarningAdequacy float64 `mapstructure:"warning_adequacy" json:"warning_adequacy"`
	// LiquidateAdequacy: adequacy below this makes a Warning position
	// eligible for liquidation once its grace window elapses.
	LiquidateAdequacy float64 `mapstructure:"liquidate_adequacy" json:"liquidate_adequacy"`
	// GraceWindow is how long a Warning position may recover before the
	// first liquidation stage fires.
	GraceWindow time.Duration `mapstructure:"grace_window" json:"grace_window"`
	// StageFractions are the cumulative-seizure fractions of remaining
	// collateral per liquidation stage. The final fraction must be 1.
	StageFractions []float64 `mapstructure:"stage_fractions" json:"stage_fractions"`
	// RebalanceBand is the fraction of the tier leverage ceiling at which
	// an advisory rebalance is requested.
	RebalanceBand float64 `mapstructure:"rebalance_band" json:"rebalance_band"`
}

// CircuitBreaker suspends automatic Warning→Liquidating transitions when
// market-wide volatility spikes, preventing correlated cascade liquidations.
type CircuitBreaker struct {
	VolatilityThreshold float64       `mapstructure:"volatility_threshold" json:"volatility_threshold"`
	Cooldown            time.Duration `mapstructure:"cooldown"             json:"cooldown"`
}

// OracleConfig bounds how stale market data may be before it is rejected.
type OracleConfig struct {
	MaxQuoteAge time.Duration `mapstructure:"max_quote_age" json:"max_quote_age"`
	// MaterialChangeThreshold is the relative price/correlation move that
	// triggers a collateral package re-evaluation.
	MaterialChangeThreshold float64 `mapstructure:"material_change_threshold" json:"material_change_threshold"`
}

// Config is the full versioned risk configuration.
type Config struct {
	Version        int                   `mapstructure:"version"         json:"version"`
	Scoring        ScoringWeights        `mapstructure:"scoring"         json:"scoring"`
	Tiers          []Tier                `mapstructure:"tiers"           json:"tiers"`
	Liquidation    LiquidationThresholds `mapstructure:"liquidation"     json:"liquidation"`
	CircuitBreaker CircuitBreaker        `mapstructure:"circuit_breaker" json:"circuit_breaker"`
	Oracle         OracleConfig          `mapstructure:"oracle"          json:"oracle"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Version: 1,
		Scoring: ScoringWeights{
			PaymentHistory:        0.25,
			UtilizationEfficiency: 0.15,
			PatternStability:      0.10,
			SectorDiversity:       0.10,
			HistoryDuration:       0.10,
			TransactionVolume:     0.10,
			ExternalAttestations:  0.10,
			RepaymentConsistency:  0.10,
		},
		Tiers: []Tier{
			{Name: "basic", MaxLeverage: 1.5, MinHistoryDays: 30, MinScore: 580},
			{Name: "advanced", MaxLeverage: 3.0, MinHistoryDays: 90, MinScore: 670},
			{Name: "professional", MaxLeverage: 5.0, MinHistoryDays: 180, MinScore: 740, RequiresCollateral: true},
			{Name: "institutional", MaxLeverage: 10.0, MinHistoryDays: 365, MinScore: 800, RequiresCollateral: true, RequiresAgreement: true},
		},
		Liquidation: LiquidationThresholds{
			WarningAdequacy:   1.10,
			LiquidateAdequacy: 1.00,
			GraceWindow:       15 * time.Minute,
			StageFractions:    []float64{0.25, 0.50, 1.00},
			RebalanceBand:     0.90,
		},
		CircuitBreaker: CircuitBreaker{
			VolatilityThreshold: 0.60,
			Cooldown:            30 * time.Minute,
		},
		Oracle: OracleConfig{
			MaxQuoteAge:             5 * time.Minute,
			MaterialChangeThreshold: 0.05,
		},
	}
}

// Load reads a risk configuration file (YAML) and validates it.
// Fields absent from the file keep their Default() values.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read risk config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode risk config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TierByName returns the tier with the given name, or false.
func (c Config) TierByName(name string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if math.Abs(c.Scoring.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1, got %g", c.Scoring.Sum())
	}
	for _, w := range []float64{
		c.Scoring.PaymentHistory, c.Scoring.UtilizationEfficiency,
		c.Scoring.PatternStability, c.Scoring.SectorDiversity,
		c.Scoring.HistoryDuration, c.Scoring.TransactionVolume,
		c.Scoring.ExternalAttestations, c.Scoring.RepaymentConsistency,
	} {
		if w < 0 {
			return fmt.Errorf("scoring weights must be non-negative, got %g", w)
		}
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("tier table must not be empty")
	}
	prev := 0.0
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier name must not be empty")
		}
		if t.MaxLeverage <= 0 {
			return fmt.Errorf("tier %s: max_leverage must be positive", t.Name)
		}
		if t.MaxLeverage < prev {
			return fmt.Errorf("tier %s: max_leverage must be non-decreasing across the table", t.Name)
		}
		prev = t.MaxLeverage
		if t.MinHistoryDays < 0 {
			return fmt.Errorf("tier %s: min_history_days must not be negative", t.Name)
		}
	}

	l := c.Liquidation
	if l.LiquidateAdequacy <= 0 {
		return fmt.Errorf("liquidate_adequacy must be positive")
	}
	if l.WarningAdequacy <= l.LiquidateAdequacy {
		return fmt.Errorf("warning_adequacy (%g) must exceed liquidate_adequacy (%g)", l.WarningAdequacy, l.LiquidateAdequacy)
	}
	if l.GraceWindow <= 0 {
		return fmt.Errorf("grace_window must be positive")
	}
	if len(l.StageFractions) == 0 {
		return fmt.Errorf("stage_fractions must not be empty")
	}
	prevFrac := 0.0
	for i, f := range l.StageFractions {
		if f <= 0 || f > 1 {
			return fmt.Errorf("stage fraction %d out of range (0,1]: %g", i+1, f)
		}
		if f < prevFrac {
			return fmt.Errorf("stage fractions must be non-decreasing")
		}
		prevFrac = f
	}
	if last := l.StageFractions[len(l.StageFractions)-1]; last != 1.0 {
		return fmt.Errorf("final stage fraction must be 1, got %g", last)
	}
	if l.RebalanceBand <= 0 || l.RebalanceBand > 1 {
		return fmt.Errorf("rebalance_band out of range (0,1]: %g", l.RebalanceBand)
	}

	if c.CircuitBreaker.VolatilityThreshold <= 0 {
		return fmt.Errorf("circuit breaker volatility_threshold must be positive")
	}
	if c.Oracle.MaxQuoteAge <= 0 {
		return fmt.Errorf("oracle max_quote_age must be positive")
	}
	return nil
}
