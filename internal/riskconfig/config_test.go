package riskconfig_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mandatefi/mandate/internal/riskconfig"
)

func TestDefault_isValid(t *testing.T) {
	if err := riskconfig.Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate_weightsMustSumToOne(t *testing.T) {
	cfg := riskconfig.Default()
	cfg.Scoring.PaymentHistory = 0.5 // pushes the sum past 1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for weight sum != 1")
	}
	if !strings.Contains(err.Error(), "sum to 1") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_warningMustExceedLiquidate(t *testing.T) {
	cfg := riskconfig.Default()
	cfg.Liquidation.WarningAdequacy = 0.95

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when warning_adequacy <= liquidate_adequacy")
	}
}

func TestValidate_finalStageFractionMustBeOne(t *testing.T) {
	cfg := riskconfig.Default()
	cfg.Liquidation.StageFractions = []float64{0.25, 0.50}

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when final stage fraction != 1")
	}
}

func TestValidate_emptyTierTable(t *testing.T) {
	cfg := riskconfig.Default()
	cfg.Tiers = nil

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty tier table")
	}
}

func TestTierByName(t *testing.T) {
	cfg := riskconfig.Default()

	tier, ok := cfg.TierByName("basic")
	if !ok {
		t.Fatal("basic tier not found")
	}
	if tier.MaxLeverage != 1.5 {
		t.Errorf("basic max leverage: got %g, want 1.5", tier.MaxLeverage)
	}

	if _, ok := cfg.TierByName("platinum"); ok {
		t.Error("unknown tier should not be found")
	}
}

func TestLoad_overridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	yaml := `
version: 3
liquidation:
  warning_adequacy: 1.25
  liquidate_adequacy: 1.05
  grace_window: 5m
  stage_fractions: [0.5, 1.0]
  rebalance_band: 0.85
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := riskconfig.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != 3 {
		t.Errorf("version: got %d, want 3", cfg.Version)
	}
	if cfg.Liquidation.GraceWindow != 5*time.Minute {
		t.Errorf("grace window: got %v, want 5m", cfg.Liquidation.GraceWindow)
	}
	if cfg.Liquidation.WarningAdequacy != 1.25 {
		t.Errorf("warning adequacy: got %g, want 1.25", cfg.Liquidation.WarningAdequacy)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Scoring.PaymentHistory != 0.25 {
		t.Errorf("payment history weight default lost: got %g", cfg.Scoring.PaymentHistory)
	}
}

func TestLoad_rejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	yaml := `
liquidation:
  warning_adequacy: 0.5
  liquidate_adequacy: 0.9
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := riskconfig.Load(path); err == nil {
		t.Error("expected Load to reject inverted thresholds")
	}
}
